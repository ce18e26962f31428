// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package route

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Operation is a route operation, one of Find, Get, Create, Update, Delete
type Operation string

// all supported route operations
const (
	OperationFind   Operation = "find"
	OperationGet    Operation = "get"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid returns true for the supported operations
func (o Operation) Valid() bool {
	switch o {
	case OperationFind, OperationGet, OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	if !o.Valid() {
		return fmt.Errorf("%s is not valid Operation", s)
	}
	return nil
}

// Plural returns the plural form of the passed singular string.
//
// This is the algorithm used to derive the default resource routes
func Plural(singular string) string {
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	if strings.HasSuffix(singular, "child") {
		return strings.TrimSuffix(singular, "child") + "children"
	}
	return singular + "s"
}

// Resource is the route table of one REST resource
type Resource struct {
	Resource  string            `json:"resource"`
	Templates map[string]string `json:"templates"`
}

// NewResource returns a resource with the default templates derived from its
// singular name. "article" gets:
//
//	find:   articles/{?searchQuery,page,rpp,sort,embed,fields}
//	get:    articles/{id}/{?embed,fields}
//	create: articles
//	update: articles/{id}
//	delete: articles/{id}
func NewResource(resource string) Resource {
	plural := Plural(resource)
	return Resource{
		Resource: resource,
		Templates: map[string]string{
			string(OperationFind):   plural + "/{?searchQuery,page,rpp,sort,embed,fields}",
			string(OperationGet):    plural + "/{id}/{?embed,fields}",
			string(OperationCreate): plural,
			string(OperationUpdate): plural + "/{id}",
			string(OperationDelete): plural + "/{id}",
		},
	}
}

// Template returns the template for an operation
func (r Resource) Template(operation Operation) (string, error) {
	t, ok := r.Templates[string(operation)]
	if !ok {
		return "", fmt.Errorf("%w: resource '%s' has no %s route", ErrInvalidArgument, r.Resource, operation)
	}
	return t, nil
}

// Configuration holds a complete route configuration
type Configuration struct {
	Resources []Resource `json:"resources"`
}

// ParseConfiguration parses a JSON route configuration. Operations without
// template get the default template of NewResource.
//
// Example:
//
//	{
//	  "resources": [
//	    {"resource": "article"},
//	    {"resource": "user", "templates": {"get": "lookups/users/{id}"}}
//	  ]
//	}
func ParseConfiguration(configurationJSON string) (Configuration, error) {
	var config Configuration
	if err := json.Unmarshal([]byte(configurationJSON), &config); err != nil {
		return config, err
	}
	for i, res := range config.Resources {
		if res.Resource == "" {
			return config, fmt.Errorf("resource %d has no name", i)
		}
		defaults := NewResource(res.Resource)
		for op, t := range res.Templates {
			if !Operation(op).Valid() {
				return config, fmt.Errorf("resource '%s': %s is not valid Operation", res.Resource, op)
			}
			defaults.Templates[op] = t
		}
		config.Resources[i] = defaults
	}
	return config, nil
}

// Lookup returns the resource with name resource
func (c Configuration) Lookup(resource string) (Resource, bool) {
	for _, r := range c.Resources {
		if r.Resource == resource {
			return r, true
		}
	}
	return Resource{}, false
}

// Routes are the routes of a resource bound to a builder
type Routes struct {
	builder  *Builder
	resource Resource
}

// Resource binds a resource to the builder
func (b *Builder) Resource(resource Resource) Routes {
	return Routes{builder: b, resource: resource}
}

// Find returns the find route
func (r Routes) Find(options *Options) (string, error) {
	t, err := r.resource.Template(OperationFind)
	if err != nil {
		return "", err
	}
	return r.builder.Find(t, options)
}

// Get returns the get route for the item identified by key
func (r Routes) Get(key Key, options *Options) (string, error) {
	t, err := r.resource.Template(OperationGet)
	if err != nil {
		return "", err
	}
	return r.builder.Get(t, key, options)
}

// Create returns the create route
func (r Routes) Create(data interface{}) (string, error) {
	t, err := r.resource.Template(OperationCreate)
	if err != nil {
		return "", err
	}
	return r.builder.Create(t, data)
}

// Update returns the update route for data
func (r Routes) Update(data interface{}) (string, error) {
	t, err := r.resource.Template(OperationUpdate)
	if err != nil {
		return "", err
	}
	return r.builder.Update(t, data)
}

// Delete returns the delete route for data
func (r Routes) Delete(data interface{}) (string, error) {
	t, err := r.resource.Template(OperationDelete)
	if err != nil {
		return "", err
	}
	return r.builder.Delete(t, data)
}
