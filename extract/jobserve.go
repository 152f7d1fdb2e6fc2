package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	safelinkRE = regexp.MustCompile(`https://[^"]*\.safelinks\.protection\.outlook\.com/[^"]*`)
	jslinkRE   = regexp.MustCompile(`https://www\.jobserve\.com/jslinka\.aspx\?[^"'\s]*`)

	appliedRE = regexp.MustCompile(`(?i)applied for the job listed below|your application (has been|was) (sent|submitted)`)

	workTypes = map[string]bool{"contract": true, "permanent": true, "temporary": true, "freelance": true}
)

// metadataKeys maps "Key:" labels in listing footers to field names.
var metadataKeys = map[string]string{
	"employment business": "employment_business",
	"employment agency":   "employment_business",
	"company":             "employment_business",
	"ref":                 "ref",
	"posted":              "posted",
}

// applicationLabels maps label cells in confirmations to field names.
var applicationLabels = map[string]string{
	"reference:": "reference",
	"posted by:": "posted_by",
	"contact:":   "contact_name",
	"telephone:": "contact_phone",
	"email:":     "contact_email",
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// leafCells returns the normalized text of every non-empty td that has no
// nested td.
func leafCells(doc *goquery.Document) []string {
	var cells []string
	doc.Find("td").Each(func(_ int, s *goquery.Selection) {
		if s.Find("td").Length() > 0 {
			return
		}
		if text := clean(s.Text()); text != "" {
			cells = append(cells, text)
		}
	})
	return cells
}

func isApplication(cells []string) bool {
	for _, c := range cells {
		if appliedRE.MatchString(c) {
			return true
		}
	}
	return false
}

// parseApplication reads an application confirmation. The job details follow
// the confirmation notice; contact details are label/value cell pairs.
func parseApplication(cells []string) map[string]string {
	fields := map[string]string{}

	for i, c := range cells {
		name, ok := applicationLabels[strings.ToLower(c)]
		if !ok || i+1 >= len(cells) {
			continue
		}
		value := cells[i+1]
		switch name {
		case "contact_phone":
			if strings.EqualFold(value, "email:") {
				continue
			}
		case "contact_email":
			if !strings.Contains(value, "@") {
				continue
			}
		}
		fields[name] = value
	}

	for i, c := range cells {
		if !appliedRE.MatchString(c) {
			continue
		}
		fields["notice"] = c
		if i+1 < len(cells) {
			fields["job_title"] = cells[i+1]
		}
		if i+2 < len(cells) {
			if loc := cells[i+2]; len(loc) < 50 && !strings.HasPrefix(loc, "http") {
				fields["location"] = loc
			}
		}
		if i+3 < len(cells) && workTypes[strings.ToLower(cells[i+3])] {
			fields["work_type"] = cells[i+3]
		}
		if i+4 < len(cells) && len(cells[i+4]) > 30 {
			fields["description"] = cells[i+4]
		}
		break
	}
	return fields
}

// parseListing reads a job suggestion or alert: a heading link, up to three
// h2 lines (location, salary, work type), a description and a metadata
// footer of "Key: value" lines.
func parseListing(doc *goquery.Document, raw string) map[string]string {
	fields := map[string]string{}

	heading := doc.Find("a.heading").First()
	if title := clean(heading.Text()); title != "" {
		fields["job_title"] = title
	}
	if href, ok := heading.Attr("href"); ok && strings.TrimSpace(href) != "" {
		fields["job_url"] = strings.TrimSpace(href)
	} else if u := jobURL(raw); u != "" {
		fields["job_url"] = u
	}

	var lines []string
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		if text := clean(s.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	for i, name := range []string{"location", "salary", "work_type"} {
		if i < len(lines) {
			fields[name] = lines[i]
		}
	}

	if d := description(doc); d != "" {
		fields["description"] = d
	}

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("td, p").Each(func(_ int, s *goquery.Selection) {
		for _, line := range strings.Split(s.Text(), "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
			if !ok {
				continue
			}
			name, ok := metadataKeys[strings.ToLower(strings.TrimSpace(key))]
			if !ok {
				continue
			}
			if value = clean(value); value != "" {
				if _, set := fields[name]; !set {
					fields[name] = value
				}
			}
		}
	})
	return fields
}

func description(doc *goquery.Document) string {
	var parts []string
	doc.Find("span.snippet, span.rest").Each(func(_ int, s *goquery.Selection) {
		if text := clean(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}

	var text string
	doc.Find("td[style]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		style, _ := s.Attr("style")
		if strings.Contains(style, "padding-top: 7px") && strings.Contains(style, "padding-bottom: 20px") {
			text = clean(s.Text())
			return false
		}
		return true
	})
	return text
}

// jobURL looks for an apply link anywhere in the markup. Outlook rewrites
// links into safelinks, which still resolve.
func jobURL(raw string) string {
	if m := safelinkRE.FindString(raw); m != "" {
		return m
	}
	return jslinkRE.FindString(raw)
}
