// Command toolhub runs the tool orchestration hub.
//
// Toolhub supervises engine processes that speak JSON-RPC over stdio,
// merges their tool catalogs and serves the result over stdio, WebSocket
// and HTTP.
//
// Install:
//
//	go install github.com/nuetzliches/toolhub/cmd/toolhub@latest
//
// Usage:
//
//	toolhub serve --config ./toolhub.yaml
package main
