package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/jobspool/model"
)

// maxPartSize caps how much of a single text part is read.
const maxPartSize = 4 << 20

// Body holds the decoded text parts of a message.
type Body struct {
	HTML string
	Text string
}

// ReadBody walks the MIME tree of content and returns the first text/html
// and text/plain parts, decoded to UTF-8. Attachments are skipped. Parts in
// unknown charsets are kept undecoded.
func ReadBody(content []byte) (Body, error) {
	var body Body

	r, err := mail.CreateReader(bytes.NewReader(model.StripBOM(content)))
	if err != nil && !message.IsUnknownCharset(err) {
		return body, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}
	defer r.Close()

	for {
		p, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			if body.HTML != "" || body.Text != "" {
				// a broken trailing part does not spoil what was read
				return body, nil
			}
			return body, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		t, _, _ := h.ContentType()

		data, err := io.ReadAll(io.LimitReader(p.Body, maxPartSize))
		if err != nil {
			return body, fmt.Errorf("read %s part: %w", t, err)
		}

		switch {
		case strings.EqualFold(t, "text/html") && body.HTML == "":
			body.HTML = string(data)
		case strings.EqualFold(t, "text/plain") && body.Text == "":
			body.Text = string(data)
		}
	}
	return body, nil
}
