package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gofrs/flock"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/api"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/bootstrap"
	"github.com/ruteri/tee-sidechain-worker/chainclient"
	"github.com/ruteri/tee-sidechain-worker/chainsync"
	"github.com/ruteri/tee-sidechain-worker/events"
	"github.com/ruteri/tee-sidechain-worker/httpserver"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/keyvault"
	"github.com/ruteri/tee-sidechain-worker/ledger"
	"github.com/ruteri/tee-sidechain-worker/lightclient"
	"github.com/ruteri/tee-sidechain-worker/nftregistry"
	"github.com/ruteri/tee-sidechain-worker/provisioning"
	"github.com/ruteri/tee-sidechain-worker/storage"
	"golang.org/x/sync/errgroup"
)

// devFaucetBalance funds the in-memory dev chain faucet.
var devFaucetBalance = uint256.MustFromDecimal("1000000000000000000000")

// Worker owns every component of one enclave worker and the threads running them.
type Worker struct {
	cfg     Config
	shard   interfaces.ShardIdentifier
	account interfaces.AccountId

	lock     *flock.Flock
	store    *storage.SealedStore
	key      *attestation.EnclaveKey
	source   attestation.Source
	verifier attestation.Verifier
	chain    interfaces.ChainQuery

	ledger   *ledger.Ledger
	lc       *lightclient.Client
	lcLoaded bool
	syncer   *chainsync.Syncer
	registry *nftregistry.Registry
	vault    *keyvault.Vault
	peers    *provisioning.PeerSet

	bootstrapper *bootstrap.Bootstrapper
	dispatcher   *events.Dispatcher
	provisioner  *provisioning.Client
	server       *httpserver.Server

	closers []func() error
	log     *slog.Logger
}

// New opens the data directory and builds every component. The parentchain
// is reached over cfg.Chain.RPCAddr, or simulated in memory when
// cfg.Chain.InMemory is set.
func New(cfg Config, log *slog.Logger) (*Worker, error) {
	return newWorker(cfg, nil, log)
}

// NewWithChain is New against an already connected parentchain.
func NewWithChain(cfg Config, chain interfaces.ChainQuery, log *slog.Logger) (*Worker, error) {
	return newWorker(cfg, chain, log)
}

func newWorker(cfg Config, chain interfaces.ChainQuery, log *slog.Logger) (w *Worker, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w = &Worker{cfg: cfg, chain: chain, log: log.With("component", "worker")}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	if err := w.openStore(); err != nil {
		return nil, err
	}
	if err := w.setupAttestation(); err != nil {
		return nil, err
	}
	if w.chain == nil {
		if err := w.connectChain(); err != nil {
			return nil, err
		}
	}
	if err := w.setupShard(); err != nil {
		return nil, err
	}
	if err := w.setupServices(); err != nil {
		return nil, err
	}

	w.log.Info("Worker ready to start",
		slog.String("account", w.account.String()),
		slog.String("shard", w.shard.String()),
		slog.Bool("dev", cfg.DevMode))
	return w, nil
}

func (w *Worker) openStore() error {
	lock, err := storage.LockDataDir(w.cfg.DataDir)
	if err != nil {
		return err
	}
	w.lock = lock
	w.closers = append(w.closers, lock.Unlock)

	secret, err := w.cfg.loadSealSecret(w.log)
	if err != nil {
		return err
	}
	w.store, err = storage.NewSealedStore(w.cfg.DataDir, secret, w.log)
	if err != nil {
		return err
	}

	w.key, err = attestation.LoadOrCreateEnclaveKey(w.store, attestation.DefaultKeyPath, w.log)
	if err != nil {
		return err
	}
	w.account = w.key.Account()
	w.shard, err = w.cfg.ShardIdentifier()
	return err
}

func (w *Worker) setupAttestation() error {
	var provider attestation.Provider
	switch w.cfg.Attestation.Provider {
	case ProviderDCAP:
		provider, w.verifier = attestation.DCAPProvider{}, attestation.DCAPVerifier{}
	case ProviderRemote:
		provider, w.verifier = attestation.NewRemoteProvider(w.cfg.Attestation.RemoteAddr), attestation.DCAPVerifier{}
	case ProviderDummy:
		var err error
		if provider, w.verifier, err = dummyAttestation(); err != nil {
			return err
		}
	}

	if w.cfg.SkipAttestation {
		source, err := attestation.NewSkipSource(w.log)
		if err != nil {
			return err
		}
		w.source = source
		return nil
	}
	w.source = attestation.NewAttestedSource(w.key, provider, w.log)
	return nil
}

func (w *Worker) connectChain() error {
	registry, err := w.cfg.RegistryAddress()
	if err != nil {
		return err
	}

	if w.cfg.Chain.InMemory {
		w.chain = chainclient.NewMemoryChain(chainclient.MemoryChainConfig{
			Registry:        registry,
			Faucet:          interfaces.AccountId(crypto.Keccak256Hash([]byte("dev-faucet"))),
			FaucetBalance:   devFaucetBalance,
			Authorities:     []interfaces.Authority{{PublicKey: crypto.Keccak256Hash([]byte("dev-authority")), Weight: 1}},
			AllowUnattested: w.cfg.SkipAttestation,
		})
		w.log.Warn("Running against an in-memory parentchain")
		return nil
	}

	w.log.Info("Connecting to parentchain RPC", "address", w.cfg.Chain.RPCAddr)
	eth, err := ethclient.Dial(w.cfg.Chain.RPCAddr)
	if err != nil {
		return fmt.Errorf("%w: failed to dial RPC: %v", interfaces.ErrChainQuery, err)
	}
	w.closers = append(w.closers, func() error { eth.Close(); return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: chain id: %v", interfaces.ErrChainQuery, err)
	}

	client := chainclient.NewClient(eth, chainclient.Config{
		RegistryAddress: registry,
		FinalityDepth:   w.cfg.Chain.FinalityDepth,
		PollInterval:    w.cfg.Chain.PollInterval,
	}, w.log)

	auth, err := bind.NewKeyedTransactorWithChainID(w.key.PrivateKey(), chainID)
	if err != nil {
		return fmt.Errorf("failed to create enclave transactor: %w", err)
	}
	client.SetTransactOpts(auth)

	if w.cfg.Chain.FaucetKey != "" {
		faucetKey, err := crypto.HexToECDSA(w.cfg.Chain.FaucetKey)
		if err != nil {
			return fmt.Errorf("%w: faucet key: %v", ErrInvalidConfig, err)
		}
		faucet, err := bind.NewKeyedTransactorWithChainID(faucetKey, chainID)
		if err != nil {
			return fmt.Errorf("failed to create faucet transactor: %w", err)
		}
		client.SetFaucet(faucet)
	}

	w.chain = client
	return nil
}

func (w *Worker) setupShard() error {
	rootStore := w.store
	shardStore, err := ledger.InitShard(rootStore, w.shard, w.log)
	if err != nil {
		return err
	}

	stateStore, registryStore, shareStore := shardStore, shardStore, rootStore
	if len(w.cfg.Mirrors) > 0 {
		mirror, err := storage.NewMirrorFactory(w.log).CreateMultiMirror(w.cfg.Mirrors)
		if err != nil {
			return err
		}
		w.closers = append(w.closers, mirror.Close)
		stateStore = shardStore.WithMirror(mirror, interfaces.StateBlob)
		registryStore = shardStore.WithMirror(mirror, interfaces.RegistryBlob)
		shareStore = rootStore.WithMirror(mirror, interfaces.ShareBlob)
	}

	root := w.account
	if w.cfg.RootAccount != "" {
		if root, err = interfaces.NewAccountIdFromHex(w.cfg.RootAccount); err != nil {
			return err
		}
	}
	if w.ledger, err = ledger.Load(stateStore, root, w.log); err != nil {
		return err
	}

	w.lc, err = lightclient.Load(rootStore, w.log)
	switch {
	case err == nil:
		w.lcLoaded = true
	case errors.Is(err, storage.ErrSealedNotFound):
		w.lc = lightclient.New(rootStore, w.log)
	default:
		return err
	}

	snapshots := nftregistry.NewSnapshotStore(registryStore, w.log)
	if w.registry, err = snapshots.LoadOrNew(nftregistry.DefaultSnapshotPath); err != nil {
		return err
	}
	if w.vault, err = keyvault.New(shareStore, keyvault.DefaultDir, keyvault.OwnerPolicy{Registry: w.registry}, w.log); err != nil {
		return err
	}

	registry, err := w.cfg.RegistryAddress()
	if err != nil {
		return err
	}
	w.peers = provisioning.NewPeerSet(w.log)
	w.dispatcher = events.NewDispatcher(events.Config{
		Shard:        w.shard,
		Account:      w.account,
		RegistryPath: nftregistry.DefaultSnapshotPath,
	}, events.NewLogDecoder(registry), w.ledger, w.log).
		WithPeers(w.peers).
		WithCalls(w.ledger).
		WithRegistry(w.registry, snapshots)
	return nil
}

func (w *Worker) setupServices() error {
	w.syncer = chainsync.New(w.chain, w.lc, w.log)
	w.bootstrapper = bootstrap.New(bootstrap.Config{
		Account: w.account,
		Url:     w.cfg.Url,
		DevMode: w.cfg.DevMode,
	}, w.chain, w.source, w.ledger, w.log)

	w.provisioner = provisioning.NewClient(w.shard, w.key, w.source, provisioning.PeerPolicy{
		Verifier:        w.verifier,
		AllowUnattested: w.cfg.SkipAttestation,
	}, w.log)

	responder := provisioning.NewHandler(provisioning.HandlerConfig{
		Shard:   w.shard,
		Account: w.account,
		Policy: provisioning.PeerPolicy{
			Verifier:        w.verifier,
			Peers:           w.peers,
			AllowUnattested: w.cfg.SkipAttestation,
		},
		RateLimit: w.cfg.Provisioning.RateLimit,
		Burst:     w.cfg.Provisioning.Burst,
	}, w.source, w.ledger, w.log)

	var err error
	w.server, err = httpserver.New(w.cfg.serverConfig(w.log), httpserver.NewHandler(w.vault, w, w.log), responder)
	return err
}

// Run starts the HTTP server, the event loop and the bootstrap-then-sync
// sequence, and blocks until ctx is done or one of them fails. A failed
// bootstrap is returned as a *bootstrap.BootstrapError.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.server.Run(ctx)
	})
	g.Go(func() error {
		return w.dispatcher.Run(ctx, w.chain)
	})
	g.Go(func() error {
		err := w.runParentchain(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	})

	return g.Wait()
}

func (w *Worker) runParentchain(ctx context.Context) error {
	handle, err := w.bootstrapper.Run(ctx)
	if err != nil {
		return err
	}

	head, err := w.lightClientHead(ctx)
	if err != nil {
		return err
	}

	if handle.Primary {
		head, err = w.syncer.CatchUp(ctx, head, handle.Header)
		if err != nil {
			return err
		}
	} else {
		if err := w.provisionState(ctx); err != nil {
			return err
		}
		head, err = w.syncer.Sync(ctx, head)
		if err != nil {
			return err
		}
	}

	w.server.SetReady(true)
	w.log.Info("Worker is serving",
		slog.Bool("primary", handle.Primary),
		slog.String("head", head.String()))
	return w.syncer.Run(ctx, head)
}

func (w *Worker) lightClientHead(ctx context.Context) (interfaces.Header, error) {
	if w.lcLoaded {
		return w.lc.Head()
	}
	return w.syncer.InitLightClient(ctx)
}

// provisionState imports the shard state from a peer enclave. Without any
// known peer the local state is kept.
func (w *Worker) provisionState(ctx context.Context) error {
	attempts := max(w.cfg.Provisioning.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		urls := w.peerURLs(ctx)
		if len(urls) == 0 {
			w.log.Warn("No provisioning peers known, keeping local shard state")
			return nil
		}

		var state *provisioning.ProvisionedState
		state, err = w.provisioner.ProvisionFromAny(ctx, urls)
		if err == nil {
			return w.ledger.Import(state.State, state.StateHash)
		}
		w.log.Warn("Shard state provisioning failed",
			slog.Int("attempt", attempt),
			slog.Int("peers", len(urls)),
			"err", err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.Provisioning.RetryInterval):
			}
		}
	}
	return err
}

func (w *Worker) peerURLs(ctx context.Context) []string {
	seen := map[string]bool{w.cfg.Url: true}
	var urls []string
	add := func(candidates []string) {
		for _, url := range candidates {
			if !seen[url] {
				seen[url] = true
				urls = append(urls, url)
			}
		}
	}

	add(w.cfg.Provisioning.Peers)
	add(w.peers.URLs())
	if w.cfg.Provisioning.SRVName != "" {
		resolved, err := provisioning.ResolvePeers(ctx, w.cfg.Provisioning.SRVName, w.cfg.Provisioning.Resolver)
		if err != nil {
			w.log.Warn("Failed to resolve provisioning peers",
				slog.String("name", w.cfg.Provisioning.SRVName),
				"err", err)
		}
		add(resolved)
	}
	return urls
}

// Status describes the worker for the status route.
func (w *Worker) Status() api.StatusResponse {
	stage := w.bootstrapper.Stage()
	return api.StatusResponse{
		Account:    w.account.String(),
		Shard:      w.shard.String(),
		Stage:      stage.String(),
		Primary:    stage == bootstrap.Primary,
		HeadNumber: w.syncer.HeadNumber(),
		StateHash:  w.ledger.StateHash().Hex(),
		Nfts:       w.registry.Len(),
	}
}

// Account returns the enclave account.
func (w *Worker) Account() interfaces.AccountId {
	return w.account
}

// Chain returns the parentchain the worker talks to.
func (w *Worker) Chain() interfaces.ChainQuery {
	return w.chain
}

// Handler returns the HTTP routes of the worker.
func (w *Worker) Handler() http.Handler {
	return w.server.Handler()
}

// StateHash returns the hash of the shard state.
func (w *Worker) StateHash() common.Hash {
	return w.ledger.StateHash()
}

// Close releases the data directory and everything opened by New.
func (w *Worker) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
