package testinfra

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/heraldhq/herald/internal/sendmock"
	"github.com/heraldhq/herald/internal/util/testutil"
)

var mockOnce sync.Once

// GetMockServer returns the base URL of the shared send API mock,
// starting an in-process instance when .env.test does not point at one.
// Accepted messages can be inspected through its /messages endpoint.
func GetMockServer(t *testing.T) string {
	cfg := ReadConfig()
	mockOnce.Do(func() {
		if cfg.MockServerURL != "" {
			return
		}
		port := testutil.RandomPortNumber()
		cfg.MockServerURL = fmt.Sprintf("http://localhost:%d", port)
		go func() {
			server := sendmock.New(sendmock.SendMockServerConfig{Port: port})
			if err := server.Run(context.Background()); err != nil {
				panic(err)
			}
		}()
	})
	return cfg.MockServerURL
}
