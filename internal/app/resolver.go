package app

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/TutorRTC/internal/config"
	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/rs/zerolog/log"
)

// ResolvedConfig is what one tutor config means for one owner.
type ResolvedConfig struct {
	ModelID  string
	VoiceID  string
	AvatarID string
}

// ICESettings is the network-facing side of the media layer. The server
// talks to the relay through ServerTURN; clients are told about ClientTURN.
type ICESettings struct {
	PublicIP   string
	ServerTURN string
	ClientTURN string
	STUN       string
	Username   string
	Credential string
	PortMin    uint16
	PortMax    uint16
}

type resolveKey struct {
	owner  domain.OwnerID
	config domain.ConfigID
}

type Resolver struct {
	cfg *config.Config

	mu    sync.RWMutex
	cache map[resolveKey]ResolvedConfig
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		cfg:   cfg,
		cache: make(map[resolveKey]ResolvedConfig),
	}
}

// Resolve layers defaults, the tutor entry and the owner's override for that
// tutor. An owner with an allow list cannot reach configs outside it.
func (r *Resolver) Resolve(owner domain.OwnerID, configID domain.ConfigID) (ResolvedConfig, error) {
	key := resolveKey{owner: owner, config: configID}
	r.mu.RLock()
	rc, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return rc, nil
	}

	// viper lowercases map keys
	ownerKey := strings.ToLower(string(owner))
	tutorKey := strings.ToLower(string(configID))

	ov, hasOwner := r.cfg.Owners[ownerKey]
	if hasOwner && len(ov.Allowed) > 0 && !slices.ContainsFunc(ov.Allowed, func(a string) bool {
		return strings.EqualFold(a, string(configID))
	}) {
		log.Warn().Str("module", "app.resolver").Str("owner", string(owner)).Str("config", string(configID)).Msg("config not allowed for owner")
		return ResolvedConfig{}, fmt.Errorf("%w: %q for owner %q", domain.ErrUnknownConfig, configID, owner)
	}

	rc = ResolvedConfig{
		ModelID:  r.cfg.Defaults.Model,
		VoiceID:  r.cfg.Defaults.Voice,
		AvatarID: r.cfg.Defaults.Avatar,
	}
	if t, ok := r.cfg.Tutors[tutorKey]; ok {
		rc = overlay(rc, t)
	}
	if hasOwner {
		if t, ok := ov.Tutors[tutorKey]; ok {
			rc = overlay(rc, t)
		}
	}

	r.mu.Lock()
	r.cache[key] = rc
	r.mu.Unlock()

	log.Debug().
		Str("module", "app.resolver").
		Str("owner", string(owner)).
		Str("config", string(configID)).
		Str("model", rc.ModelID).
		Str("voice", rc.VoiceID).
		Str("avatar", rc.AvatarID).
		Msg("resolved config")
	return rc, nil
}

func overlay(rc ResolvedConfig, t config.TutorConfig) ResolvedConfig {
	if t.Model != "" {
		rc.ModelID = t.Model
	}
	if t.Voice != "" {
		rc.VoiceID = t.Voice
	}
	if t.Avatar != "" {
		rc.AvatarID = t.Avatar
	}
	return rc
}

func (r *Resolver) ICE() ICESettings {
	w := r.cfg.WebRTC
	server := w.TURNServerLocal
	if server == "" {
		server = w.TURNServer
	}
	return ICESettings{
		PublicIP:   w.PublicIP,
		ServerTURN: server,
		ClientTURN: w.TURNServer,
		STUN:       w.STUNServer,
		Username:   w.TURNUsername,
		Credential: w.TURNPassword,
		PortMin:    w.PortMin,
		PortMax:    w.PortMax,
	}
}
