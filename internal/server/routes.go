package server

import "net/http"

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/tables", s.handleTables).Methods(http.MethodGet)
	s.router.HandleFunc("/tables/{name}", s.handleTable).Methods(http.MethodGet)
	s.router.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.router.HandleFunc("/customers/{cnpj:.+}/credit", s.handleCredit).Methods(http.MethodGet)
	s.router.HandleFunc("/customers/{cnpj:.+}", s.handleCustomer).Methods(http.MethodGet)
	s.router.HandleFunc("/invoices/{number:[0-9]+}", s.handleInvoice).Methods(http.MethodGet)
	s.router.HandleFunc("/sales/sellers", s.handleSalesBySeller).Methods(http.MethodGet)
	s.router.HandleFunc("/sales/suppliers", s.handleSalesBySupplier).Methods(http.MethodGet)
	s.router.HandleFunc("/sales/summary", s.handleSummary).Methods(http.MethodGet)
}
