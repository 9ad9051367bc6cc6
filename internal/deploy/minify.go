// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"context"
	"path"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	mjson "github.com/tdewolff/minify/v2/json"
)

type min struct {
	m *minify.M
}

func newMin() *min {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.Add("text/html", &html.Minifier{
		KeepDocumentTags:    true,
		KeepDefaultAttrVals: true,
		KeepEndTags:         true,
	})
	m.AddFunc("application/javascript", js.Minify)
	m.AddFunc("application/json", mjson.Minify)

	return &min{m: m}
}

func (m *min) Bytes(mediaType string, b []byte) ([]byte, error) {
	return m.m.Bytes(mediaType, b)
}

// mediaType returns the media type of the file at p, or an empty string if
// it can't be minified.
func mediaType(p string) string {
	switch path.Ext(p) {
	case ".html", ".htm":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js", ".mjs":
		return "application/javascript"
	case ".json":
		return "application/json"
	}
	return ""
}

func (d *deployment) minify(ctx context.Context) error {
	mt := mediaType(d.c.Output)
	if mt == "" {
		d.c.Logf("Not minifying %s: unknown file type.", d.c.Output)
		return nil
	}

	b, err := d.readOutput(ctx)
	if err != nil {
		return err
	}
	minified, err := newMin().Bytes(mt, b)
	if err != nil {
		return err
	}
	// Minified output is stable, so there is nothing to write on repeated
	// deployments of the same commit.
	if len(minified) == len(b) && string(minified) == string(b) {
		return nil
	}

	d.c.Logf("Minified %s on %s: %d -> %d bytes.", d.c.Output, d.c.Host, len(b), len(minified))
	if err := d.r.Put(ctx, d.path(d.c.Output), minified); err != nil {
		return err
	}
	d.res.Size = len(minified)
	return nil
}
