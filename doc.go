// Package ccr is an intercepting reverse proxy for the Anthropic
// /v1/messages API.
//
// The proxy rewrites each request's target model from content-derived
// signals (token footprint, tool classes, reasoning hints), forwards the
// rewritten request to one of many upstream LLM providers through a
// pluggable transformer pipeline, and streams the response back. Server-sent
// events are intercepted on the way through: tool calls owned by local
// agents are executed in-process and their results folded into a
// continuation request spliced transparently into the client stream.
//
// # Quick Start
//
// Install the router:
//
//	go install github.com/musistudio/claude-code-router/cmd/ccr@latest
//
// Create a config.json:
//
//	{
//	  "Providers": [
//	    {
//	      "name": "openrouter",
//	      "api_base_url": "https://openrouter.ai/api/v1/chat/completions",
//	      "api_key": "${OPENROUTER_API_KEY}",
//	      "models": ["anthropic/claude-sonnet-4"],
//	      "transformer": {"use": ["openrouter"]}
//	    }
//	  ],
//	  "Router": {
//	    "default": "openrouter,anthropic/claude-sonnet-4"
//	  }
//	}
//
// Start the server:
//
//	ccr serve --config config.json
//
// # Packages
//
// Import specific packages as needed:
//
//	import (
//	    "github.com/musistudio/claude-code-router/pkg/router"
//	    "github.com/musistudio/claude-code-router/pkg/transformer"
//	    "github.com/musistudio/claude-code-router/pkg/config"
//	)
package ccr
