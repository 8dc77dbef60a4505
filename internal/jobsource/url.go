// Package jobsource validates job posting URLs and fetches their text.
package jobsource

import (
	"net/url"
	"strings"

	"github.com/kalambet/jobpipe/internal/fault"
)

// Validation failure codes.
const (
	CodeInvalidURL   = "invalid_job_url"
	CodeNotLinkedIn  = "unsupported_job_url"
	CodeUnfetchable  = "job_url_unfetchable"
	linkedInHost     = "linkedin.com"
	linkedInJobsPath = "/jobs/"
)

// ValidateURL accepts http(s) LinkedIn job URLs: the host is linkedin.com or
// one of its subdomains and the path starts with /jobs/.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, fault.New(fault.Validation, CodeInvalidURL, "jobUrl is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fault.New(fault.Validation, CodeInvalidURL, "jobUrl must use http or https")
	}
	if !isLinkedInHost(u.Hostname()) {
		return nil, fault.New(fault.Validation, CodeNotLinkedIn, "only LinkedIn job URLs are supported")
	}
	if !strings.HasPrefix(u.Path, linkedInJobsPath) || len(u.Path) == len(linkedInJobsPath) {
		return nil, fault.New(fault.Validation, CodeNotLinkedIn, "jobUrl must point to a LinkedIn job posting")
	}
	return u, nil
}

func isLinkedInHost(host string) bool {
	host = strings.ToLower(host)
	return host == linkedInHost || strings.HasSuffix(host, "."+linkedInHost)
}
