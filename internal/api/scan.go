package api

import "net/http"

func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		JSONError(w, ErrScannerUnavailable)
		return
	}
	report, err := s.deps.Scanner.RunScan(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	OK(w, report)
}
