package main

import "crm/internal/cli"

// @title           CRM API
// @version         1.0
// @description     Client pipeline, invoicing, installment reconciliation and WhatsApp outreach.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cli.Execute()
}
