package connuri

import (
	"fmt"
	"net/url"
	"strings"
)

// SQSURI is a parsed cloud-queue URL: a standard HTTPS URL whose host
// begins with "sqs.", e.g.
//
//	https://sqs.us-east-1.amazonaws.com/123456789012/sz-info
type SQSURI struct {
	url *url.URL
}

// ParseSQS parses and validates a cloud-queue URL.
func ParseSQS(text string) (*SQSURI, error) {
	u, err := url.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: bad queue URL %q: %v", ErrIllegalArgument, text, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: queue URL must be https: %q", ErrIllegalArgument, text)
	}
	if !strings.HasPrefix(u.Host, "sqs.") {
		return nil, fmt.Errorf("%w: queue URL host must begin with sqs.: %q", ErrIllegalArgument, text)
	}
	return &SQSURI{url: u}, nil
}

// String returns the queue URL.
func (u *SQSURI) String() string { return u.url.String() }

// Region extracts the region segment of the queue host
// (sqs.REGION.amazonaws.com). Empty when the host has no region segment.
func (u *SQSURI) Region() string {
	parts := strings.Split(u.url.Host, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
