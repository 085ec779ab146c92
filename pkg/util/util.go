package util

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"

	"github.com/netdump/netdump/pkg/types"
)

const unixAddressPrefix = "unix://"

// ParseDataAddress resolves a client address into a network and a dial address.
// "unix:///path" selects a unix socket. A host without a port gets the given port.
func ParseDataAddress(address string, port int) (types.DataServerProtocol, string, error) {
	if strings.HasPrefix(address, unixAddressPrefix) {
		path := strings.TrimPrefix(address, unixAddressPrefix)
		if path == "" {
			return "", "", fmt.Errorf("invalid address %s: empty socket path", address)
		}
		return types.DataServerProtocolUNIX, path, nil
	}

	address = strings.TrimPrefix(address, "tcp://")
	if address == "" {
		return "", "", fmt.Errorf("invalid address: empty host")
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return types.DataServerProtocolTCP, address, nil
	}
	if port <= 0 || port > 65535 {
		return "", "", fmt.Errorf("invalid port %d", port)
	}
	return types.DataServerProtocolTCP, net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(port)), nil
}

type filteredLoggingHandler struct {
	filteredPaths  map[string]struct{}
	handler        http.Handler
	loggingHandler http.Handler
}

func FilteredLoggingHandler(filteredPaths map[string]struct{}, writer io.Writer, router http.Handler) http.Handler {
	return filteredLoggingHandler{
		filteredPaths:  filteredPaths,
		handler:        router,
		loggingHandler: handlers.CombinedLoggingHandler(writer, router),
	}
}

func (h filteredLoggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		if _, exists := h.filteredPaths[req.URL.Path]; exists {
			h.handler.ServeHTTP(w, req)
			return
		}
	}
	h.loggingHandler.ServeHTTP(w, req)
}

func UUID() string {
	return uuid.New().String()
}

func GetFunctionName(i interface{}) string {
	return runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}
