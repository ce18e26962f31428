package route

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindCanonicalOptions(t *testing.T) {
	b := NewBuilder(nil)
	u, err := b.Find("items/{?searchQuery,page,rpp}", &Options{Search: "x", PageNumber: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "items/?searchQuery=x&page=2&rpp=10", u)
}

func TestFindSortAndPassThrough(t *testing.T) {
	b := NewBuilder(nil)
	u, err := b.Find("articles/{?sort,embed,fields,tags}", &Options{
		OrderBy:        "title",
		OrderDirection: "Desc",
		Embed:          "tags,author",
		Fields:         "id,title",
		Extra:          map[string]interface{}{"tags": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "articles/?sort=title-desc&embed=tags%2Cauthor&fields=id%2Ctitle&tags=go", u)

	u, err = b.Find("articles/{?sort}", &Options{OrderBy: "title"})
	require.NoError(t, err)
	assert.Equal(t, "articles/?sort=title", u)

	u, err = b.Find("articles/{?sort}", &Options{OrderDirection: "asc"})
	require.NoError(t, err)
	assert.Equal(t, "articles/", u)
}

func TestFindNilOptions(t *testing.T) {
	u, err := NewBuilder(nil).Find("articles/{?searchQuery,page,rpp}", nil)
	require.NoError(t, err)
	assert.Equal(t, "articles/", u)
}

func TestOptionsFromMap(t *testing.T) {
	o := OptionsFromMap(map[string]interface{}{
		"search":     "x",
		"pageNumber": 3,
		"pageSize":   "wrong type",
		"statuses":   "published",
	})
	assert.Equal(t, "x", o.Search)
	assert.Equal(t, 3, o.PageNumber)
	assert.Equal(t, 0, o.PageSize)
	assert.Equal(t, map[string]interface{}{"pageSize": "wrong type", "statuses": "published"}, o.Extra)
}

func TestGetRequiresKey(t *testing.T) {
	b := NewBuilder(nil)
	_, err := b.Get("articles/{id}/{?embed,fields}", Key{}, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = b.Get("articles/{id}/{?embed,fields}", ByID(""), nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = b.Get("articles/{id}", Raw(nil), nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestGetKeys(t *testing.T) {
	b := NewBuilder(nil)
	u, err := b.Get("articles/{id}/{?embed,fields}", ByID("42"), &Options{Embed: "tags"})
	require.NoError(t, err)
	assert.Equal(t, "articles/42/?embed=tags", u)

	u, err = b.Get("article-tags/{abrv}/", ByAbrv("golang"), nil)
	require.NoError(t, err)
	assert.Equal(t, "article-tags/golang/", u)

	u, err = b.Get("articles/{articleId}/ratings/{id}", Raw(map[string]interface{}{"articleId": "1", "id": "2"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "articles/1/ratings/2", u)
}

func TestCreateUpdateDelete(t *testing.T) {
	type article struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	b := NewBuilder(nil)

	u, err := b.Create("articles", article{Title: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "articles", u)

	u, err = b.Update("articles/{id}", article{ID: "7", Title: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "articles/7", u)

	u, err = b.Delete("articles/{id}", map[string]interface{}{"id": "7"})
	require.NoError(t, err)
	assert.Equal(t, "articles/7", u)
}

func TestHypermediaLinksWin(t *testing.T) {
	data := map[string]interface{}{
		"id": "7",
		"_links": map[string]interface{}{
			"delete": map[string]interface{}{"href": "https://api.example.com/v1/app/articles/7"},
		},
	}
	b := NewBuilder(nil)
	u, err := b.Delete("articles/{id}", data)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/app/articles/7", u)

	// no "put" link, template is used
	u, err = b.Update("articles/{id}", data)
	require.NoError(t, err)
	assert.Equal(t, "articles/7", u)
}

func TestRoot(t *testing.T) {
	b, err := NewBuilder(nil).WithRoot(APIRoot("api.example.com", "v1", "my-app", true))
	require.NoError(t, err)
	u, err := b.Find("articles/{?page}", &Options{PageNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/my-app/articles/?page=1", u)

	b, err = NewBuilder(nil).WithRoot("http://localhost:3000/app")
	require.NoError(t, err)
	parsed, err := b.Parse("login", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/app/login", parsed.String())
}

func TestAPIRoot(t *testing.T) {
	assert.Equal(t, "http://localhost/app/", APIRoot("localhost/", "", "app", false))
	assert.Equal(t, "https://api.example.com/beta/app/", APIRoot("api.example.com", "beta", "app", true))
}

// all placeholders supplied: no brace survives; some placeholders missing:
// expansion still succeeds and no brace survives
func TestNoBracesLeak(t *testing.T) {
	templates := []string{
		"a/{x}",
		"a/{x}/{y}",
		"a/{x}/b/{y}{?z}",
		"a{/x,y}{?z,w}",
		"a/{x}{&y}",
		"{+x}/a{#y}",
	}
	all := map[string]interface{}{"x": "1", "y": "2", "z": "3", "w": "4"}
	b := NewBuilder(nil)
	for _, template := range templates {
		u, err := b.Expand(template, all)
		require.NoError(t, err, template)
		assert.False(t, strings.ContainsAny(u, "{}"), "%s expanded to %s", template, u)

		u, err = b.Expand(template, map[string]interface{}{"y": "2"})
		require.NoError(t, err, template)
		assert.False(t, strings.ContainsAny(u, "{}"), "%s expanded to %s", template, u)
	}
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "articles", Plural("article"))
	assert.Equal(t, "categories", Plural("category"))
	assert.Equal(t, "children", Plural("child"))
}

func TestResourceRoutes(t *testing.T) {
	routes := NewBuilder(nil).Resource(NewResource("article"))

	u, err := routes.Find(&Options{Search: "go", PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, "articles/?searchQuery=go&rpp=5", u)

	u, err = routes.Get(ByID("1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "articles/1/", u)

	u, err = routes.Create(map[string]interface{}{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "articles", u)

	u, err = routes.Delete(map[string]interface{}{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, "articles/1", u)

	_, err = NewBuilder(nil).Resource(Resource{Resource: "empty"}).Find(nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestParseConfiguration(t *testing.T) {
	config, err := ParseConfiguration(`{
		"resources": [
			{"resource": "article"},
			{"resource": "user", "templates": {"get": "lookups/users/{id}"}}
		]
	}`)
	require.NoError(t, err)
	require.Len(t, config.Resources, 2)

	user, ok := config.Lookup("user")
	require.True(t, ok)
	assert.Equal(t, "lookups/users/{id}", user.Templates["get"])
	assert.Equal(t, "users", user.Templates["create"])

	_, ok = config.Lookup("nothing")
	assert.False(t, ok)

	_, err = ParseConfiguration(`{"resources":[{"resource":"a","templates":{"patch":"x"}}]}`)
	assert.Error(t, err)

	_, err = ParseConfiguration(`{"resources":[{}]}`)
	assert.Error(t, err)
}

func TestOperationUnmarshal(t *testing.T) {
	var object struct {
		Operations []Operation `json:"operations"`
	}
	err := json.Unmarshal([]byte(`{"operations":["find","get","delete"]}`), &object)
	require.NoError(t, err)
	assert.Equal(t, []Operation{OperationFind, OperationGet, OperationDelete}, object.Operations)

	err = json.Unmarshal([]byte(`{"operations":["invalid"]}`), &object)
	if err == nil {
		t.Fatal("invalid operation accepted")
	}
}
