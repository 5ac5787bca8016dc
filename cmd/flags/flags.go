package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/tee-sidechain-worker/common"
	"github.com/ruteri/tee-sidechain-worker/worker"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")
	logFile := cCtx.String(LogFileFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		File:    logFile,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureWorker loads the config file, if one is given, and applies every
// flag set on the command line on top of it.
func ConfigureWorker(cCtx *cli.Context) (worker.Config, error) {
	cfg := worker.DefaultConfig()
	if path := cCtx.String(ConfigFlag.Name); path != "" {
		var err error
		if cfg, err = worker.LoadConfig(path); err != nil {
			return worker.Config{}, err
		}
	}

	setString := func(flag *cli.StringFlag, dst *string) {
		if cCtx.IsSet(flag.Name) {
			*dst = cCtx.String(flag.Name)
		}
	}
	setBool := func(flag *cli.BoolFlag, dst *bool) {
		if cCtx.IsSet(flag.Name) {
			*dst = cCtx.Bool(flag.Name)
		}
	}

	setString(DataDirFlag, &cfg.DataDir)
	setString(ShardFlag, &cfg.Shard)
	setString(WorkerUrlFlag, &cfg.Url)
	setString(SealSecretFlag, &cfg.SealSecretFile)
	setBool(DevFlag, &cfg.DevMode)
	setBool(SkipAttestationFlag, &cfg.SkipAttestation)
	setString(AttestationProviderFlag, &cfg.Attestation.Provider)
	setString(RemoteAttestationFlag, &cfg.Attestation.RemoteAddr)
	setString(RpcAddrFlag, &cfg.Chain.RPCAddr)
	setString(RegistryFlag, &cfg.Chain.Registry)
	setString(FaucetKeyFlag, &cfg.Chain.FaucetKey)
	setBool(InMemoryChainFlag, &cfg.Chain.InMemory)
	setString(ProvisioningSRVFlag, &cfg.Provisioning.SRVName)
	setString(ListenAddrFlag, &cfg.HTTP.ListenAddr)
	setString(MetricsAddrFlag, &cfg.HTTP.MetricsAddr)
	setBool(PprofFlag, &cfg.HTTP.EnablePprof)
	setBool(TLSFlag, &cfg.HTTP.TLS)

	if cCtx.IsSet(MirrorFlag.Name) {
		cfg.Mirrors = cCtx.StringSlice(MirrorFlag.Name)
	}
	if cCtx.IsSet(PeerFlag.Name) {
		cfg.Provisioning.Peers = cCtx.StringSlice(PeerFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		cfg.HTTP.DrainSeconds = cCtx.Int64(DrainSecondsFlag.Name)
	}

	return cfg, cfg.Validate()
}

var ConfigFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "TOML config file; flags set on the command line override it",
}

var DataDirFlag = &cli.StringFlag{
	Name:  "data-dir",
	Value: "./data",
	Usage: "directory holding sealed worker state",
}

var ShardFlag = &cli.StringFlag{
	Name:  "shard",
	Usage: "shard identifier, 64-char hex string. Derived from the registry address if empty",
}

var WorkerUrlFlag = &cli.StringFlag{
	Name:  "url",
	Value: "https://127.0.0.1:8080",
	Usage: "url announced in the enclave registration",
}

var SealSecretFlag = &cli.StringFlag{
	Name:  "seal-secret-file",
	Usage: "file holding the platform seal secret (required outside dev mode)",
}

var DevFlag = &cli.BoolFlag{
	Name:  "dev",
	Value: false,
	Usage: "development mode: faucet funding, generated seal secret",
}

var SkipAttestationFlag = &cli.BoolFlag{
	Name:  "skip-ra",
	Value: false,
	Usage: "register without remote attestation (dev mode only)",
}

var AttestationProviderFlag = &cli.StringFlag{
	Name:  "attestation-provider",
	Value: worker.ProviderDCAP,
	Usage: "quote provider: dcap, remote or dummy",
}

var RemoteAttestationFlag = &cli.StringFlag{
	Name:  "remote-attestation-addr",
	Usage: "address of the remote quote provider",
}

var RpcAddrFlag = &cli.StringFlag{
	Name:  "rpc-addr",
	Value: "http://127.0.0.1:8545",
	Usage: "address to connect to RPC",
}

var RegistryFlag = &cli.StringFlag{
	Name:  "registry",
	Usage: "enclave registry contract address",
}

var FaucetKeyFlag = &cli.StringFlag{
	Name:  "faucet-key",
	Usage: "hex private key of the dev faucet",
}

var InMemoryChainFlag = &cli.BoolFlag{
	Name:  "in-memory-chain",
	Value: false,
	Usage: "run against a simulated parentchain (dev mode only)",
}

var MirrorFlag = &cli.StringSliceFlag{
	Name:  "mirror",
	Usage: "location URI sealed blobs are mirrored to (file, s3, vault, ipfs, badger)",
}

var PeerFlag = &cli.StringSliceFlag{
	Name:  "peer",
	Usage: "base url of a peer enclave to provision shard state from",
}

var ProvisioningSRVFlag = &cli.StringFlag{
	Name:  "peers-srv",
	Usage: "DNS SRV name resolving to provisioning peers",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var TLSFlag = &cli.BoolFlag{
	Name:  "tls",
	Value: false,
	Usage: "serve the API over TLS with a self-signed certificate",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogFileFlag = &cli.StringFlag{
	Name:  "log-file",
	Usage: "write logs to a rotating file instead of stdout",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogFileFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var WorkerFlags = []cli.Flag{
	ConfigFlag,
	DataDirFlag,
	ShardFlag,
	WorkerUrlFlag,
	SealSecretFlag,
	DevFlag,
	SkipAttestationFlag,
	AttestationProviderFlag,
	RemoteAttestationFlag,
	RpcAddrFlag,
	RegistryFlag,
	FaucetKeyFlag,
	InMemoryChainFlag,
	MirrorFlag,
	PeerFlag,
	ProvisioningSRVFlag,
	ListenAddrFlag,
	TLSFlag,
}
