// Package base provides the shared page layout and static assets every
// blueprint renders with.
package base

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"path"
	"time"

	"accounts/web"
)

// BlueprintName is the name the base layer registers under.
const BlueprintName = "base"

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// Funcs returns the template functions available to every page.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"url_for_static": func(blueprint, file string) string {
			return path.Join("/static", blueprint, file)
		},
		"year": func() int {
			return time.Now().Year()
		},
	}
}

// Init installs the layout templates and serves the base assets under
// /static/base/.
func Init(app *web.App) error {
	layout, err := template.New(web.LayoutTemplate).Funcs(Funcs()).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return fmt.Errorf("failed to parse base templates: %w", err)
	}

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return fmt.Errorf("failed to open base assets: %w", err)
	}

	bp := web.NewBlueprint(BlueprintName, "/")
	bp.Static = static
	if err := app.RegisterBlueprint(bp); err != nil {
		return err
	}

	for name, fn := range Funcs() {
		app.AddTemplateFunc(name, fn)
	}
	app.SetLayout(layout)
	return nil
}
