// Command whisperlink-agent wires the session engine up to a live
// bundle service and stream transport for one local user, reading
// configuration from .env files and the environment via config.Load.
package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kaelmesh/whisperlink/internal/config"
	"github.com/kaelmesh/whisperlink/internal/delivery"
	"github.com/kaelmesh/whisperlink/internal/errkind"
	"github.com/kaelmesh/whisperlink/internal/keystore"
	"github.com/kaelmesh/whisperlink/internal/metrics"
	"github.com/kaelmesh/whisperlink/internal/session"
	"github.com/kaelmesh/whisperlink/internal/sessionstore"
	"github.com/kaelmesh/whisperlink/internal/transport/endpoint"
	"github.com/kaelmesh/whisperlink/internal/transport/httptransport"
	"github.com/kaelmesh/whisperlink/internal/transport/streamtransport"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	if err := keystore.EnsureDir(filepath.Join(cfg.StorageRoot, "vault.json")); err != nil {
		log.Fatalf("FATAL: could not prepare storage root: %v", err)
	}

	keySource := resolveKeySource(cfg)
	vaultPath := filepath.Join(cfg.StorageRoot, "vault.json")

	keys, err := keystore.Load(vaultPath, keySource)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("FATAL: failed to open existing vault at %s: %v", vaultPath, err)
		}
		log.Printf("no existing vault at %s, generating a fresh identity", vaultPath)
		keys, err = keystore.New(vaultPath, keySource)
		if err != nil {
			log.Fatalf("FATAL: failed to generate key store: %v", err)
		}
		if err := keys.Save(); err != nil {
			log.Fatalf("FATAL: failed to persist new vault: %v", err)
		}
	}
	defer keys.Close()
	log.Printf("🔑 local identity fingerprint: %s", keys.Fingerprint())

	bundleURL := cfg.BundleServiceURL
	streamURL := cfg.StreamEndpointURL
	if cfg.UsesConsul() {
		bundleResolver, err := endpoint.NewConsulResolver(cfg.ConsulAddr, "bundle-service")
		if err != nil {
			log.Fatalf("FATAL: failed to build consul resolver: %v", err)
		}
		if bundleURL == "" {
			bundleURL, err = bundleResolver.Resolve()
			if err != nil {
				log.Fatalf("FATAL: failed to resolve bundle-service: %v", err)
			}
		}
		if streamURL == "" {
			streamResolver, err := endpoint.NewConsulResolver(cfg.ConsulAddr, "stream-transport")
			if err != nil {
				log.Fatalf("FATAL: failed to build consul resolver: %v", err)
			}
			resolved, err := streamResolver.Resolve()
			if err != nil {
				log.Fatalf("FATAL: failed to resolve stream-transport: %v", err)
			}
			streamURL = "ws" + resolved[len("http"):] + "/stream"
		}
	}

	tokens := &httptransport.TokenHolder{}
	bundleClient := httptransport.NewBundleClient(bundleURL, tokens, nil)

	if err := bundleClient.PublishBundle(context.Background(), mustBundle(keys)); err != nil {
		log.Printf("warning: failed to publish prekey bundle: %v", err)
	}
	if claims, err := bundleClient.DecodeClaims(); err == nil {
		log.Printf("authenticated as device %s", claims.DeviceID)
	}

	store := resolveSessionStore(cfg)
	mgr := session.NewManager(keys, store, bundleClient, bundleClient)
	recorder := metrics.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := streamtransport.Dial(ctx, streamURL, "")
	if err != nil {
		log.Fatalf("FATAL: failed to dial stream transport: %v", err)
	}
	defer stream.Close()

	queue := delivery.NewQueue(stream)
	defer queue.Close()

	go serveMetrics(recorder)
	go receiveLoop(ctx, stream, mgr, recorder)
	go sendLoop(ctx, mgr, queue)

	log.Printf("📡 whisperlink-agent running, storage root %s", cfg.StorageRoot)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 shutting down")
}

func receiveLoop(ctx context.Context, stream *streamtransport.WSClient, mgr *session.Manager, recorder *metrics.Recorder) {
	for {
		peerID, envelope, err := stream.Receive(ctx)
		if err != nil {
			log.Printf("stream receive ended: %v", err)
			return
		}
		plaintext, err := mgr.Decrypt(ctx, peerID, envelope)
		if err != nil {
			recorder.RecordDecryptFailure(errKind(err))
			log.Printf("failed to decrypt envelope from %s: %v", peerID, err)
			continue
		}
		log.Printf("📨 %s: %s", peerID, plaintext)
	}
}

// sendLoop reads "peerID:message" lines from stdin, encrypts each
// under that peer's session, and hands the resulting envelope to the
// delivery queue for retrying transport.
func sendLoop(ctx context.Context, mgr *session.Manager, queue *delivery.Queue) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		peerID, message, ok := strings.Cut(line, ":")
		if !ok {
			log.Printf("ignoring malformed input %q, expected peerID:message", line)
			continue
		}

		envelope, err := mgr.Encrypt(ctx, peerID, []byte(message))
		if err != nil {
			log.Printf("failed to encrypt message for %s: %v", peerID, err)
			continue
		}
		queue.Enqueue(peerID, envelope)
	}
}

func serveMetrics(recorder *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	addr := os.Getenv("WHISPERLINK_METRICS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server stopped: %v", err)
	}
}

func resolveKeySource(cfg *config.Config) keystore.VaultKeySource {
	if cfg.UsesVaultTransit() {
		source, err := keystore.NewVaultTransitKeySource(cfg.VaultAddr, cfg.VaultToken, cfg.VaultTransitMountPath, cfg.VaultTransitKeyName)
		if err != nil {
			log.Fatalf("FATAL: failed to connect to vault transit engine: %v", err)
		}
		return source
	}
	password := os.Getenv("WHISPERLINK_VAULT_PASSWORD")
	source := keystore.NewPasswordKeySource(password)
	if cfg.Argon2Time != 0 {
		source.Params.Time = cfg.Argon2Time
	}
	if cfg.Argon2MemoryKiB != 0 {
		source.Params.Memory = cfg.Argon2MemoryKiB
	}
	if cfg.Argon2Threads != 0 {
		source.Params.Threads = cfg.Argon2Threads
	}
	return source
}

func resolveSessionStore(cfg *config.Config) session.Store {
	fileStore, err := sessionstore.NewFileStore(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("FATAL: failed to open session store: %v", err)
	}
	if cfg.RedisURL == "" {
		return fileStore
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	return sessionstore.NewRedisStore(client, "whisperlink:session:", 0)
}

func mustBundle(keys *keystore.KeyStore) keystore.Bundle {
	b, err := keys.PublicBundle()
	if err != nil {
		log.Fatalf("FATAL: failed to build local prekey bundle: %v", err)
	}
	return b
}

func errKind(err error) string {
	var e *errkind.Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "unknown"
}
