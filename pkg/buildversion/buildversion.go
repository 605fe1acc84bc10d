package buildversion

import "runtime/debug"

const defaultVersion = "v0.0.0-dev"

// GetVersion resolves the version of the named module from the build info of
// the running binary, falling back to a dev marker when built from a working
// tree.
func GetVersion(modulePath string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return defaultVersion
	}

	if info.Main.Path == modulePath && info.Main.Version != "(devel)" && info.Main.Version != "" {
		return info.Main.Version
	}

	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}

	return defaultVersion
}
