// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var errArtifactInvalid = errors.New("build artifact is not a usable HTML document")

func (d *deployment) verify(ctx context.Context) error {
	b, err := d.readOutput(ctx)
	if err != nil {
		return err
	}
	title, err := inspectHTML(b)
	if err != nil {
		return fmt.Errorf("%s: %w", d.c.Output, err)
	}
	d.res.Title = title
	d.c.Logf("Verified %s on %s (%d bytes, title %q).", d.c.Output, d.c.Host, len(b), title)
	return nil
}

// inspectHTML checks that b is a HTML document with some content and returns
// its title.
func inspectHTML(b []byte) (title string, err error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return "", fmt.Errorf("%w: empty file", errArtifactInvalid)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errArtifactInvalid, err)
	}

	// The parser always produces html, head and body elements, so look for
	// actual content.
	body := doc.Find("body")
	if body.Children().Length() == 0 && strings.TrimSpace(body.Text()) == "" {
		return "", fmt.Errorf("%w: empty body", errArtifactInvalid)
	}

	return strings.TrimSpace(doc.Find("head > title").First().Text()), nil
}
