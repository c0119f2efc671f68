package main

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/stub"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	addr := os.Getenv("STUB_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := stub.NewServer(logger)

	logger.Info("stub backend listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
