package server

func (s *Server) routes() {
	s.router.Post("/v1/run", s.handleRun)
	s.router.Get("/v1/sessions", s.handleListSessions)
	s.router.Get("/v1/sessions/{sessionID}", s.handleGetSession)
	s.router.Post("/v1/sessions/{sessionID}/cancel", s.handleCancelSession)
	s.router.Get("/v1/sessions/{sessionID}/stream", s.handleStreamResume)
	s.router.Get("/healthz", s.handleHealth)
}
