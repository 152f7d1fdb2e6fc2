// Package extract turns JobServe notification mails into the flat field bags
// the classifier and the record store work with.
package extract

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"
)

// maxTextField bounds the plain-text fallback description.
const maxTextField = 8 << 10

type Extractor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract decodes the message body and pulls listing or application fields
// out of its HTML part. A message without HTML yields its plain text as the
// description. Missing fields are omitted rather than set empty.
func (e *Extractor) Extract(h mail.Header, content []byte) (map[string]string, error) {
	body, err := ReadBody(content)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(body.HTML) == "" {
		fields := map[string]string{}
		if text := clean(body.Text); text != "" {
			if len(text) > maxTextField {
				text = strings.ToValidUTF8(text[:maxTextField], "")
			}
			fields["description"] = text
		}
		return fields, nil
	}

	fields, err := FromHTML(body.HTML)
	if err != nil {
		return nil, err
	}
	if e.logger != nil {
		e.logger.Debug("extracted fields", "messageId", h.Get("Message-Id"), "count", len(fields))
	}
	return fields, nil
}

// FromHTML parses a JobServe HTML part.
func FromHTML(markup string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	if cells := leafCells(doc); isApplication(cells) {
		return parseApplication(cells), nil
	}
	return parseListing(doc, markup), nil
}
