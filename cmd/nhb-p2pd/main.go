package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nitrokrypt/qortal/config"
	"github.com/nitrokrypt/qortal/observability/logging"
	"github.com/nitrokrypt/qortal/p2p"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := os.MkdirAll(cfg.PeerStorePath, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare peer store directory: %v", err))
	}

	logRotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.PeerStorePath, "p2pd.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     28,
		Compress:   true,
	}
	defer logRotator.Close()

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logger := logging.Setup("p2pd", env, logRotator)
	repo, err := p2p.NewLevelDBRepository(filepath.Join(cfg.PeerStorePath, "peers"))
	if err != nil {
		panic(fmt.Sprintf("failed to open peer repository: %v", err))
	}
	defer repo.Close()

	identityPath := filepath.Join(cfg.PeerStorePath, "node_id.json")
	peerID, err := loadOrCreatePeerID(identityPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load node identity: %v", err))
	}

	magic := p2p.MagicMainnet
	if cfg.Testnet {
		magic = p2p.MagicTestnet
	}

	manager, err := p2p.NewNetworkManager(cfg, magic, 9+16*1024*1024, peerID, p2p.ManagerDeps{
		Repository: repo,
		Controller: &noopController{},
		Clock:      p2p.SystemClock{},
	}, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to construct network manager: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		panic(fmt.Sprintf("failed to start network manager: %v", err))
	}

	logger.Info("p2pd initialised and running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("p2pd shutting down")
	manager.Shutdown()
}

func loadOrCreatePeerID(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		var stored struct{ PeerID string }
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("decode node identity: %w", err)
		}
		id, err := hex.DecodeString(stored.PeerID)
		if err == nil && p2p.IsValidPeerID(id) {
			return id, nil
		}
		return nil, fmt.Errorf("stored node identity at %s is invalid", path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read node identity: %w", err)
	}

	id, err := p2p.NewPeerID()
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(struct{ PeerID string }{PeerID: hex.EncodeToString(id)})
	if err != nil {
		return nil, fmt.Errorf("encode node identity: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return nil, fmt.Errorf("write node identity: %w", err)
	}
	return id, nil
}

// noopController is a minimal Controller for running the networking core
// standalone, without a chain/mempool behind it.
type noopController struct{}

func (noopController) OnPeerDisconnect(peer *p2p.Peer)          {}
func (noopController) OnPeerHandshakeCompleted(peer *p2p.Peer)  {}
func (noopController) OnNetworkMessage(peer *p2p.Peer, msg p2p.Message) {}
func (noopController) DoNetworkBroadcast(send func(peer *p2p.Peer, msg p2p.Message) error) {}
func (noopController) GetChainTip() p2p.BlockSummary { return p2p.BlockSummary{} }
func (noopController) GetOnlineAccounts() []p2p.OnlineAccountData { return nil }
