package server

import (
	"net/http"
	"sort"
	"strings"
)

// jobPath is a request path of the form <prefix>{id} or <prefix>{id}/{action}.
type jobPath struct {
	JobID  string
	Action string
}

// parseJobPath reports ok=false when the id is missing or there is more than
// one segment after it.
func parseJobPath(path, prefix string) (jobPath, bool) {
	if !strings.HasPrefix(path, prefix) {
		return jobPath{}, false
	}
	rest := strings.Trim(path[len(prefix):], "/")
	if rest == "" {
		return jobPath{}, false
	}

	id, action, _ := strings.Cut(rest, "/")
	if strings.Contains(action, "/") {
		return jobPath{}, false
	}
	return jobPath{JobID: id, Action: action}, true
}

// requestJobID returns the job a request is about, for log tagging.
func requestJobID(path string) string {
	for _, prefix := range []string{"/api/jobs/", "/api/records/"} {
		if p, ok := parseJobPath(path, prefix); ok {
			return p.JobID
		}
	}
	return ""
}

// methodHandlers maps HTTP methods to the handlers of one resource.
type methodHandlers map[string]http.HandlerFunc

// serve dispatches on r.Method and answers 405 with an Allow header otherwise.
func (m methodHandlers) serve(w http.ResponseWriter, r *http.Request) {
	if handler, ok := m[r.Method]; ok {
		handler(w, r)
		return
	}

	allowed := make([]string, 0, len(m))
	for method := range m {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
