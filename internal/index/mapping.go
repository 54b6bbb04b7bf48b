package index

import (
	"encoding/json"
	"time"
)

const DefaultPrefix = "asset-intelligence-"

// Name returns the monthly index an event written at t belongs to.
func Name(prefix string, t time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + t.UTC().Format("2006-01")
}

// Pattern matches every monthly index under prefix.
func Pattern(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "*"
}

type m = map[string]interface{}

func keyword() m { return m{"type": "keyword"} }

// Mapping is the fixed index body used when a monthly index is created.
func Mapping() []byte {
	body := m{
		"settings": m{
			"index": m{
				"number_of_shards":   1,
				"number_of_replicas": 0,
			},
		},
		"mappings": m{
			"properties": m{
				"id":              keyword(),
				"timestamp":       m{"type": "date"},
				"scanner_version": keyword(),
				"source_id":       keyword(),
				"collector_id":    keyword(),
				"asset_key":       keyword(),
				"assurance":       keyword(),
				"meta":            m{"type": "object"},
				"target": m{
					"properties": m{
						"ip":       m{"type": "ip"},
						"port":     m{"type": "integer"},
						"protocol": keyword(),
					},
				},
				"probes": m{"type": "object"},
				"enrichment": m{
					"properties": m{
						"geoip": m{
							"properties": m{
								"country_name": keyword(),
								"city_name":    keyword(),
								"location":     m{"type": "geo_point"},
							},
						},
						"tls_cert": m{"type": "object"},
						"cve_matches": m{
							"type": "nested",
							"properties": m{
								"cve_id":        keyword(),
								"severity":      keyword(),
								"description":   m{"type": "text"},
								"matched_on":    keyword(),
								"matched_value": m{"type": "text"},
							},
						},
						"rdns":   m{"type": "object"},
						"errors": m{"type": "object", "enabled": false},
					},
				},
				"risk_score":     m{"type": "integer"},
				"risk_breakdown": m{"type": "object"},
			},
		},
	}
	data, _ := json.Marshal(body)
	return data
}
