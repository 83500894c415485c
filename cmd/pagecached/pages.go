package main

import (
	"html/template"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jonwraymond/pagecache/auth"
	"github.com/jonwraymond/pagecache/config"
)

type product struct {
	ID    string
	Name  string
	Price string
}

// catalog is the demo site's data. renders counts page renders so cache
// hits are visible.
type catalog struct {
	products []product
	renders  atomic.Int64
}

func newCatalog() *catalog {
	return &catalog{products: []product{
		{ID: "1", Name: "Espresso cup", Price: "9.00"},
		{ID: "2", Name: "Pour-over kettle", Price: "48.00"},
		{ID: "3", Name: "Burr grinder", Price: "129.00"},
	}}
}

func (c *catalog) find(id string) (product, bool) {
	for _, p := range c.products {
		if p.ID == id {
			return p, true
		}
	}
	return product{}, false
}

// demoRoutes is the policy table used when the configuration lists none.
func demoRoutes() []config.RouteConfig {
	return []config.RouteConfig{
		{Pattern: "/", Duration: time.Minute, Tags: []string{"home"}},
		{Pattern: "/products", Duration: 5 * time.Minute, VaryByQuery: []string{"page"}, Tags: []string{"catalog"}},
		{Pattern: "/products/{id}", Duration: 10 * time.Minute, Sliding: true, Tags: []string{"catalog"}},
		{Pattern: "/account", Duration: time.Minute, CacheAuthenticated: true},
	}
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Products}}<p><a href="/products/{{.ID}}">{{.Name}}</a> {{.Price}}</p>
{{end}}{{with .Body}}<p>{{.}}</p>
{{end}}<footer>rendered {{.Rendered}}</footer>
</body>
</html>
`))

type pageData struct {
	Title    string
	Products []product
	Body     string
	Rendered string
}

func (c *catalog) render(w http.ResponseWriter, status int, data pageData) {
	c.renders.Add(1)
	data.Rendered = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, data)
}

func mountPages(r chi.Router, c *catalog) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		c.render(w, http.StatusOK, pageData{Title: "Home", Body: "Welcome to the shop."})
	})
	r.Get("/products", func(w http.ResponseWriter, _ *http.Request) {
		c.render(w, http.StatusOK, pageData{Title: "Products", Products: c.products})
	})
	r.Get("/products/{id}", func(w http.ResponseWriter, req *http.Request) {
		p, ok := c.find(chi.URLParam(req, "id"))
		if !ok {
			c.render(w, http.StatusNotFound, pageData{Title: "Not found"})
			return
		}
		c.render(w, http.StatusOK, pageData{Title: p.Name, Products: []product{p}})
	})
	r.Get("/account", func(w http.ResponseWriter, req *http.Request) {
		principal := auth.PrincipalFromContext(req.Context())
		if principal == "" {
			principal = "guest"
		}
		c.render(w, http.StatusOK, pageData{Title: "Account", Body: "Signed in as " + principal + "."})
	})
}
