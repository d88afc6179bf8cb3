package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/collab/echo"
	"github.com/dkeye/TutorRTC/internal/collab/gemini"
	"github.com/dkeye/TutorRTC/internal/collab/ollama"
	"github.com/dkeye/TutorRTC/internal/collab/worker"
	"github.com/dkeye/TutorRTC/internal/config"
	"github.com/dkeye/TutorRTC/internal/core"
	"github.com/dkeye/TutorRTC/internal/protocol"
)

type collaborators struct {
	asr    core.Transcriber
	gen    core.Generator
	synth  core.Synthesizer
	render core.Renderer
}

// newCollaborators picks the generation backend and, when a worker is
// configured, uses it for transcription, speech and avatar video. Without a
// worker speech is echo silence over the idle video.
func newCollaborators(ctx context.Context, cfg *config.Config) (collaborators, error) {
	var c collaborators
	hc := &http.Client{Timeout: cfg.Pipeline.Timeout}

	switch cfg.Generator.Backend {
	case "ollama":
		c.gen = ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.Temperature, hc)
	case "gemini":
		g, err := gemini.New(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return c, err
		}
		c.gen = g
	case "echo":
		c.gen = echo.Generator{}
	default:
		return c, fmt.Errorf("unknown generator backend %q", cfg.Generator.Backend)
	}

	if cfg.Worker.BaseURL != "" {
		w := worker.New(cfg.Worker.BaseURL, &http.Client{Timeout: cfg.Worker.Timeout})
		c.asr, c.synth, c.render = w, w, w
	} else {
		log.Warn().Str("module", "main").Msg("no worker configured, speech is silent and video stays idle")
		c.asr, c.synth = echo.Transcriber{}, echo.Synthesizer{}
	}
	return c, nil
}

func clientICEServers(ice app.ICESettings) []protocol.ICEServer {
	var out []protocol.ICEServer
	if ice.ClientTURN != "" {
		out = append(out, protocol.ICEServer{
			URLs:       []string{ice.ClientTURN},
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	if ice.STUN != "" {
		out = append(out, protocol.ICEServer{URLs: []string{ice.STUN}})
	}
	return out
}
