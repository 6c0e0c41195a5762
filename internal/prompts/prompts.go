// Package prompts holds the instruction texts sent to the completion
// service for each processing step.
package prompts

const Extraction = `Extract ALL text from these images exactly as written.
IMPORTANT:
- Preserve the exact spelling, grammar, and formatting including errors
- Translate it to English
- Maintain line breaks and paragraph structure
- Include all symbols, numbers, and special characters
- Do not correct any mistakes or add any interpretation
- If text is unclear, write [UNREADABLE] for that portion
- Extract everything you can see
- Do not put any markdown like (**)`

const Formatting = `Analyze the following text and reformat it into a clean, structured document.

Instructions:

1. If it's an insurance claim form, organize it with clear field names and values

2. If it's a letter, format with proper paragraphs, salutation, and closing

3. If it's a general document, structure it with clear sections

4. Maintain all original information and wording

5. Do not correct spelling or grammar errors

6. Use clear headings and organization

7. Do not use any markdowns like ( ** , etc.)

Text to format:`

const Summarization = `Generate a concise, narrative summary of the following insurance document. Follow this exact format without excessive spacing:
Key People & Roles:

- [Person 1]: [Role]
- [Person 2]: [Role]


Vehicle Information:
- [Vehicle details, registration numbers]


Incident Details:

- Date: [Date of incident]

- Time: [Time of incident]

- Location: [Location of incident]

- Description: [Brief description of what happened]


Additional Notes:
- [Any other important information]
-Avoid redundant information and wasted vertical and horizontal space in both formats.

Summary: [2-3 sentence narrative summary]`

var byKind = map[string]string{
	"extraction":    Extraction,
	"formatting":    Formatting,
	"summarization": Summarization,
}

// Get returns the prompt for a kind, or the empty string for an
// unknown kind.
func Get(kind string) string { return byKind[kind] }
