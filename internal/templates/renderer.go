// Package templates renders the marketplace's transactional emails.
//
// Rendering is pure: the templates are embedded and parsed once at package
// initialisation, the function map is sprig's hermetic subset (no clock or
// random helpers), and no I/O happens at render time. Identical inputs
// produce byte-identical output.
package templates

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htemplate "html/template"
	"reflect"
	"strings"
	"sync"
	ttemplate "text/template"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/Masterminds/sprig/v3"

	"ChargeMail/internal/errs"
	"ChargeMail/internal/models"
)

//go:embed html/*.html
var files embed.FS

// Subjects are plain text, so they go through text/template and are never
// HTML-escaped.
var subjects = map[models.TemplateName]string{
	models.TemplateWelcome:                  `Welcome to {{.Brand.SiteName}}{{with .Data.Name}}, {{.}}{{end}}!`,
	models.TemplateVerificationSubmitted:    `We received your verification request`,
	models.TemplateVerificationApproved:     `Your {{.Brand.SiteName}} account is verified`,
	models.TemplateVerificationRejected:     `Action needed: your verification was not approved`,
	models.TemplateListingApproved:          `Your listing "{{.Data.ListingTitle}}" is now live`,
	models.TemplateListingRejected:          `Your listing "{{.Data.ListingTitle}}" needs changes`,
	models.TemplateNewMessage:               `New message from {{.Data.SenderName}}`,
	models.TemplatePasswordReset:            `Reset your {{.Brand.SiteName}} password`,
	models.TemplateSubscriptionConfirmation: `Your {{.Data.PlanName}} subscription is confirmed`,
	models.TemplateListingExpiring:          `Your listing "{{.Data.ListingTitle}}" expires in {{.Data.DaysRemaining}} {{if eq .Data.DaysRemaining 1}}day{{else}}days{{end}}`,
	models.TemplateAdminNotification:        `[Admin] {{.Data.Title}}`,
}

type entry struct {
	subject *ttemplate.Template
	body    *htemplate.Template
}

var registry = mustBuildRegistry()

func mustBuildRegistry() map[models.TemplateName]entry {
	out := make(map[models.TemplateName]entry, len(subjects))
	for _, name := range models.TemplateNames() {
		src, ok := subjects[name]
		if !ok {
			panic(fmt.Sprintf("templates: no subject for %q", name))
		}
		subject := ttemplate.Must(ttemplate.New(string(name)).
			Funcs(sprig.HermeticTxtFuncMap()).
			Parse(src))
		body := htemplate.Must(htemplate.New(string(name)).
			Funcs(sprig.HermeticHtmlFuncMap()).
			ParseFS(files, "html/layout.html", "html/"+string(name)+".html"))
		out[name] = entry{subject: subject, body: body}
	}
	return out
}

// UnknownTemplateError is returned for a name outside the fixed set.
type UnknownTemplateError struct {
	Name models.TemplateName
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown email template %q", string(e.Name))
}

func (e *UnknownTemplateError) Is(target error) bool {
	return target == errs.ErrUnknownTemplate
}

// Branding is site-wide context available to every template as .Brand.
type Branding struct {
	SiteName     string
	SiteURL      string
	SupportEmail string
}

type Rendered struct {
	Subject string
	HTML    string
	// Text is a plain-text alternative derived from the HTML body.
	Text string
}

type view struct {
	Subject string
	Brand   Branding
	Data    any
}

type Renderer struct {
	brand Branding

	mu        sync.Mutex
	converter *md.Converter
}

func NewRenderer(brand Branding) *Renderer {
	brand.SiteURL = strings.TrimRight(brand.SiteURL, "/")
	return &Renderer{
		brand:     brand,
		converter: md.NewConverter("", true, nil),
	}
}

// Known reports whether name has a renderer.
func Known(name models.TemplateName) bool {
	_, ok := registry[name]
	return ok
}

// Render produces the subject, HTML and text bodies for name. data may be
// the template's record (value or pointer), a map[string]any, raw JSON, or
// nil; anything else is rejected with errs.ErrTemplateData.
func (r *Renderer) Render(name models.TemplateName, data any) (Rendered, error) {
	e, ok := registry[name]
	if !ok {
		return Rendered{}, &UnknownTemplateError{Name: name}
	}

	record, err := decodeData(name, data)
	if err != nil {
		return Rendered{}, err
	}

	v := view{Brand: r.brand, Data: record}

	var subject bytes.Buffer
	if err := e.subject.Execute(&subject, v); err != nil {
		return Rendered{}, errs.Wrapf(err, "render subject for %s", name)
	}
	v.Subject = strings.TrimSpace(subject.String())

	var html bytes.Buffer
	if err := e.body.ExecuteTemplate(&html, "layout", v); err != nil {
		return Rendered{}, errs.Wrapf(err, "render body for %s", name)
	}

	var content bytes.Buffer
	if err := e.body.ExecuteTemplate(&content, "content", v); err != nil {
		return Rendered{}, errs.Wrapf(err, "render content for %s", name)
	}
	text, err := r.toText(content.String())
	if err != nil {
		return Rendered{}, errs.Wrapf(err, "text alternative for %s", name)
	}

	return Rendered{
		Subject: v.Subject,
		HTML:    html.String(),
		Text:    text,
	}, nil
}

// TextFromHTML converts an arbitrary HTML body to its plain-text form. It is
// used for raw-content jobs that carry HTML but no text part.
func (r *Renderer) TextFromHTML(html string) (string, error) {
	return r.toText(html)
}

func (r *Renderer) toText(html string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.converter.ConvertString(html)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func decodeData(name models.TemplateName, data any) (any, error) {
	target := newData(name)

	switch v := data.(type) {
	case nil:
		return target, nil
	case json.RawMessage:
		return target, decodeJSON(name, v, target)
	case []byte:
		return target, decodeJSON(name, v, target)
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errs.Mark(errs.Wrapf(err, "encode %s data", name), errs.ErrTemplateData)
		}
		return target, decodeJSON(name, raw, target)
	}

	want := reflect.TypeOf(target)
	got := reflect.ValueOf(data)
	switch got.Type() {
	case want:
		if got.IsNil() {
			return target, nil
		}
		return data, nil
	case want.Elem():
		return data, nil
	}
	return nil, errs.Mark(
		errs.Newf("template %q expects %s, got %T", name, want.Elem().Name(), data),
		errs.ErrTemplateData,
	)
}

func decodeJSON(name models.TemplateName, raw []byte, target any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return errs.Mark(errs.Wrapf(err, "decode %s data", name), errs.ErrTemplateData)
	}
	return nil
}
