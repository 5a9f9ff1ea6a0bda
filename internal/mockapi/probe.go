package mockapi

import (
	"net/url"
	"strings"
	"time"

	kendrasdk "kendra/sdk/go"
)

var findingWeight = map[string]int{
	"CRITICAL": 40,
	"HIGH":     25,
	"MEDIUM":   10,
	"LOW":      5,
}

// Probe inspects an endpoint description statically and scores it.
func Probe(req kendrasdk.ProbeRequest, now time.Time) (kendrasdk.ProbeReport, error) {
	u, err := url.Parse(strings.TrimSpace(req.Endpoint))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return kendrasdk.ProbeReport{}, badRequest("Invalid endpoint URL")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "GET"
	}
	authed := false
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Authorization") && strings.TrimSpace(v) != "" {
			authed = true
		}
	}

	findings := []kendrasdk.ProbeFinding{}
	if u.Scheme == "http" {
		findings = append(findings, kendrasdk.ProbeFinding{
			Severity:       "HIGH",
			Category:       "Transport Security",
			Issue:          "Endpoint is served over plain HTTP",
			Recommendation: "Serve the endpoint over HTTPS only",
		})
	}
	if !authed {
		findings = append(findings, kendrasdk.ProbeFinding{
			Severity:       "MEDIUM",
			Category:       "Authentication",
			Issue:          "No credentials were supplied",
			Recommendation: "Require authentication for this endpoint",
		})
		switch method {
		case "POST", "PUT", "PATCH", "DELETE":
			findings = append(findings, kendrasdk.ProbeFinding{
				Severity:       "HIGH",
				Category:       "Authorization",
				Issue:          "State-changing method reachable without credentials",
				Recommendation: "Reject unauthenticated writes",
			})
		}
	}
	for key := range u.Query() {
		if strings.EqualFold(key, "id") || strings.HasSuffix(strings.ToLower(key), "_id") {
			findings = append(findings, kendrasdk.ProbeFinding{
				Severity:       "LOW",
				Category:       "Enumeration",
				Issue:          "Identifier exposed in query string",
				Recommendation: "Use opaque identifiers and check ownership",
			})
			break
		}
	}

	sc := 100
	for _, f := range findings {
		sc -= findingWeight[f.Severity]
	}
	if sc < 0 {
		sc = 0
	}
	return kendrasdk.ProbeReport{
		Endpoint:  u.String(),
		Method:    method,
		Timestamp: now.UTC(),
		Findings:  findings,
		Score:     sc,
	}, nil
}
