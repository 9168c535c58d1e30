package ui

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"
)

// Upload represents a single recorded upload for display.
type Upload struct {
	ID           int64
	OriginalName string
	Bucket       string
	Key          string
	ContentType  string
	Size         int64
	CreatedAt    string
	Transforms   int
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		// Head
		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, html.EscapeString(title))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head>")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<body><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// UploadForm renders the multipart upload form posting to /upload.
func UploadForm() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h2>Upload a file</h2></header>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<form action=\"/upload\" method=\"post\" enctype=\"multipart/form-data\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<input type=\"file\" name=\"file\" required>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<button type=\"submit\">Upload</button></form></section>")
		return err
	})
}

// UploadsPage renders the list of recorded uploads plus the upload form.
func UploadsPage(uploads []Upload) templ.Component {
	return Layout("Stow - Uploads", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Stow Uploads</h1>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p>Files streamed into object storage through the stow engine.</p></header>")
		if err != nil {
			return err
		}

		if err := UploadForm().Render(ctx, w); err != nil {
			return err
		}

		if len(uploads) == 0 {
			_, err = io.WriteString(w, "<p>No uploads recorded.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>ID</th><th>Name</th><th>Bucket</th><th>Key</th><th>Type</th><th>Size (bytes)</th><th>Transforms</th><th>Uploaded</th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, u := range uploads {
			row := fmt.Sprintf("<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%d</td><td>%s</td></tr>",
				u.ID,
				html.EscapeString(u.OriginalName),
				html.EscapeString(u.Bucket),
				html.EscapeString(u.Key),
				html.EscapeString(u.ContentType),
				u.Size,
				u.Transforms,
				html.EscapeString(u.CreatedAt),
			)
			_, err = io.WriteString(w, row)
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}
