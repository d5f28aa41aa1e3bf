package main

//go:generate swag init -g cmd/executor/main.go -o docs

// @title           Tradecore Executor API
// @version         0.1.0
// @description     Order execution, TWAP slicing, broker reconciliation and readiness control.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
