// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package route turns URI templates plus parameters into resolved URLs.

A Builder knows the conventional option names of the platform and maps them
onto the query parameters the REST API understands:

	Options.Search        -> searchQuery
	Options.PageNumber    -> page
	Options.PageSize      -> rpp
	Options.OrderBy       -> sort ("field" or "field-asc" / "field-desc")
	Options.Embed         -> embed
	Options.Fields        -> fields

Resources are data, not code: a Resource is a name plus a table of templates,
one per operation. NewResource derives the default table from the resource
name, a JSON Configuration can override it.
*/
package route

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/relabs-tech/baasic/core/uritemplate"
	"github.com/relabs-tech/baasic/core/utils"
)

// ErrInvalidArgument is returned when a required route parameter is missing
var ErrInvalidArgument = errors.New("invalid argument")

// Options are the recognized options of find and get routes. Extra holds
// additional parameters, they are passed to the template unchanged.
type Options struct {
	PageNumber     int
	PageSize       int
	OrderBy        string
	OrderDirection string
	Search         string
	Embed          string
	Fields         string
	Extra          map[string]interface{}
}

// option names as used by callers working with untyped parameter maps
const (
	optionPageNumber     = "pageNumber"
	optionPageSize       = "pageSize"
	optionOrderBy        = "orderBy"
	optionOrderDirection = "orderDirection"
	optionSearch         = "search"
	optionEmbed          = "embed"
	optionFields         = "fields"
)

// OptionsFromMap splits an untyped parameter map into recognized options and
// extra parameters. Values of recognized keys with the wrong type are kept
// as extra parameters.
func OptionsFromMap(m map[string]interface{}) *Options {
	o := &Options{Extra: map[string]interface{}{}}
	for k, v := range m {
		var ok bool
		switch k {
		case optionPageNumber:
			o.PageNumber, ok = v.(int)
		case optionPageSize:
			o.PageSize, ok = v.(int)
		case optionOrderBy:
			o.OrderBy, ok = v.(string)
		case optionOrderDirection:
			o.OrderDirection, ok = v.(string)
		case optionSearch:
			o.Search, ok = v.(string)
		case optionEmbed:
			o.Embed, ok = v.(string)
		case optionFields:
			o.Fields, ok = v.(string)
		}
		if !ok {
			o.Extra[k] = v
		}
	}
	return o
}

// Sort returns the sort token, "" if there is no OrderBy
func (o *Options) Sort() string {
	if o == nil || o.OrderBy == "" {
		return ""
	}
	if o.OrderDirection == "" {
		return o.OrderBy
	}
	return o.OrderBy + "-" + strings.ToLower(o.OrderDirection)
}

// Params returns the canonical template parameters for the options
func (o *Options) Params() map[string]interface{} {
	params := map[string]interface{}{}
	if o == nil {
		return params
	}
	utils.Extend(params, o.Extra)
	if o.Search != "" {
		params["searchQuery"] = o.Search
	}
	if o.PageNumber > 0 {
		params["page"] = o.PageNumber
	}
	if o.PageSize > 0 {
		params["rpp"] = o.PageSize
	}
	if sort := o.Sort(); sort != "" {
		params["sort"] = sort
	}
	if o.Embed != "" {
		params["embed"] = o.Embed
	}
	if o.Fields != "" {
		params["fields"] = o.Fields
	}
	return params
}

// KeyKind says how a Key identifies a single item
type KeyKind int

// all supported key kinds
const (
	KeyNone KeyKind = iota
	KeyID
	KeyAbrv
	KeyRaw
)

// Key identifies a single item for get routes. Build it with ByID, ByAbrv or
// Raw. The zero Key identifies nothing.
type Key struct {
	kind  KeyKind
	value string
	raw   map[string]interface{}
}

// ByID identifies an item by its id, filling the {id} placeholder
func ByID(id string) Key {
	return Key{kind: KeyID, value: id}
}

// ByAbrv identifies an item by its abbreviation, filling the {abrv} placeholder
func ByAbrv(abrv string) Key {
	return Key{kind: KeyAbrv, value: abrv}
}

// Raw identifies an item by arbitrary template parameters
func Raw(params map[string]interface{}) Key {
	return Key{kind: KeyRaw, raw: utils.Clone(params)}
}

// Kind returns the kind of the key
func (k Key) Kind() KeyKind {
	return k.kind
}

// Params returns the template parameters of the key, or ErrInvalidArgument
// if the key does not identify anything.
func (k Key) Params() (map[string]interface{}, error) {
	switch k.kind {
	case KeyID:
		if k.value != "" {
			return map[string]interface{}{"id": k.value}, nil
		}
	case KeyAbrv:
		if k.value != "" {
			return map[string]interface{}{"abrv": k.value}, nil
		}
	case KeyRaw:
		if len(k.raw) > 0 {
			return utils.Clone(k.raw), nil
		}
	}
	return nil, fmt.Errorf("%w: key is undefined", ErrInvalidArgument)
}

// Builder resolves templates into URLs. A builder without root returns
// the expanded templates as they are, a builder with root returns absolute
// URLs.
type Builder struct {
	expander uritemplate.Expander
	root     *url.URL
}

// NewBuilder returns a builder using expander, or the default uri template
// engine if expander is nil
func NewBuilder(expander uritemplate.Expander) *Builder {
	if expander == nil {
		expander = uritemplate.Default()
	}
	return &Builder{expander: expander}
}

// WithRoot returns a copy of the builder which resolves all routes against root
func (b *Builder) WithRoot(root string) (*Builder, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("invalid api root '%s': %w", root, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &Builder{expander: b.expander, root: u}, nil
}

// Root returns the api root, or nil
func (b *Builder) Root() *url.URL {
	return b.root
}

// APIRoot returns the api root of an application, i.e.
// "https://{host}/{version}/{apiKey}/"
func APIRoot(host, version, apiKey string, useSSL bool) string {
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	host = strings.TrimSuffix(host, "/")
	if version == "" {
		return fmt.Sprintf("%s://%s/%s/", scheme, host, apiKey)
	}
	return fmt.Sprintf("%s://%s/%s/%s/", scheme, host, version, apiKey)
}

// Expand expands template with params and resolves the result against the root
func (b *Builder) Expand(template string, params map[string]interface{}) (string, error) {
	expanded, err := b.expander.Expand(template, params)
	if err != nil {
		return "", err
	}
	if b.root == nil {
		return expanded, nil
	}
	rel, err := url.Parse(expanded)
	if err != nil {
		return "", fmt.Errorf("cannot parse expanded route '%s': %w", expanded, err)
	}
	return b.root.ResolveReference(rel).String(), nil
}

// Parse is Expand returning a parsed URL
func (b *Builder) Parse(template string, params map[string]interface{}) (*url.URL, error) {
	s, err := b.Expand(template, params)
	if err != nil {
		return nil, err
	}
	return url.Parse(s)
}

// Find expands a find template with options
func (b *Builder) Find(template string, options *Options) (string, error) {
	return b.Expand(template, options.Params())
}

// Get expands a get template for the item identified by key. It fails with
// ErrInvalidArgument if key is undefined.
func (b *Builder) Get(template string, key Key, options *Options) (string, error) {
	keyParams, err := key.Params()
	if err != nil {
		return "", err
	}
	return b.Expand(template, utils.Extend(options.Params(), keyParams))
}

// Create expands a create template with the properties of data. data can be
// a map or a struct, struct fields are named by their json tags.
func (b *Builder) Create(template string, data interface{}) (string, error) {
	params, err := utils.ToMap(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidArgument, err.Error())
	}
	return b.Expand(template, params)
}

// Update is Create for update templates. If data carries a hypermedia link
// with rel "put", that link wins over the template.
func (b *Builder) Update(template string, data interface{}) (string, error) {
	if href, ok := Link(data, "put"); ok {
		return href, nil
	}
	return b.Create(template, data)
}

// Delete is Create for delete templates. If data carries a hypermedia link
// with rel "delete", that link wins over the template.
func (b *Builder) Delete(template string, data interface{}) (string, error) {
	if href, ok := Link(data, "delete"); ok {
		return href, nil
	}
	return b.Create(template, data)
}

// Link returns the href of the HAL link rel in data, i.e.
// data["_links"][rel]["href"].
func Link(data interface{}, rel string) (string, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return "", false
	}
	links, ok := m["_links"].(map[string]interface{})
	if !ok {
		return "", false
	}
	link, ok := links[rel].(map[string]interface{})
	if !ok {
		return "", false
	}
	href, ok := link["href"].(string)
	return href, ok && href != ""
}
