package portscan

import (
	"fmt"
	"strings"
)

var portServices = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	80:    "http",
	110:   "pop3",
	143:   "imap",
	443:   "https",
	445:   "smb",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgresql",
	5900:  "vnc",
	6379:  "redis",
	8080:  "http-proxy",
	8443:  "https-alt",
	27017: "mongodb",
	9200:  "elasticsearch",
	9300:  "elasticsearch",
}

// Checked in order; the first product found in the banner wins.
var bannerSignatures = []struct {
	needle  string
	service string
}{
	{"apache", "apache-httpd"},
	{"nginx", "nginx"},
	{"openssh", "openssh"},
	{"mysql", "mysql"},
	{"postgresql", "postgresql"},
	{"redis", "redis"},
	{"mongodb", "mongodb"},
	{"elasticsearch", "elasticsearch"},
}

// Classify maps a port and optional banner to a service label. A banner
// naming a known product overrides the port default.
func Classify(port int, banner string) string {
	if banner != "" {
		lower := strings.ToLower(banner)
		for _, sig := range bannerSignatures {
			if strings.Contains(lower, sig.needle) {
				return sig.service
			}
		}
	}

	if service, ok := portServices[port]; ok {
		return service
	}
	return fmt.Sprintf("unknown-%d", port)
}
