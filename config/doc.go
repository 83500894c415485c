// Package config loads the pagecached configuration file.
//
// The file is YAML. Before decoding, ${VAR} references are expanded from
// the environment and an unset variable is an error; $$ produces a literal
// dollar. Secret fields may instead hold secretref:env:NAME or
// secretref:file:/path references, which are resolved after decoding.
//
// The routes section is an ordered policy table:
//
//	routes:
//	  - prefix: /admin
//	    duration: 0s
//	  - pattern: /products/{id}
//	    duration: 10m
//	    vary_by_query: [page]
//	    tags: [catalog]
//	    reject_at: high
//
// The first matching rule supplies the request's cache.Policy.
package config
