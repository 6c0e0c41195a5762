package filetype

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Info describes a detected payload type.
type Info struct {
	MIMEType  string
	Extension string
	IsPDF     bool
	IsImage   bool
}

// Detect identifies payload bytes by magic bytes, never by filename.
func Detect(data []byte) Info {
	mtype := mimetype.Detect(data)
	mime := mtype.String()
	return Info{
		MIMEType:  mime,
		Extension: mtype.Extension(),
		IsPDF:     mime == "application/pdf",
		IsImage:   strings.HasPrefix(mime, "image/"),
	}
}
