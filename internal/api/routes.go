package api

// registerRoutes registers all API routes.
func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)

	// Code intelligence
	s.router.HandleFunc("/exists", s.handleExists)   // GET ?repository=&commit=&path=
	s.router.HandleFunc("/request", s.handleRequest) // POST ?repository=&commit=

	// Uploads and background work
	s.router.HandleFunc("/upload", s.handleUpload) // POST ?repository=&commit=&root=
	s.router.HandleFunc("/tips", s.handleTips)     // POST ?repository=&commit=
	s.router.HandleFunc("/jobs", s.handleJobs)     // GET ?status= or ?search=
	s.router.HandleFunc("/jobs/", s.handleJobByID) // GET /jobs/:id
}
