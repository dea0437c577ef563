package version

// Version is the Major.Minor.Patch tag from git, set at link time with
// -ldflags "-X github.com/jake-scott/tuya-bridge/version.Version=..."
var Version string = "dev"

// Commit is the short git hash of the build, if known
var Commit string
