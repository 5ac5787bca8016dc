package common

// PackageName is used as metrics namespace and default log service.
const PackageName = "tee_sidechain_worker"

// Version is set at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
