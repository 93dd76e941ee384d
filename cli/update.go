package cli

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nekocode/agent-team/errors"
)

// Version is the CLI version, compared against the npm registry by
// `agent-team update`.
const Version = "0.1.0"

// npmPackage is the published package name.
const npmPackage = "agent-team"

// versionNewer reports whether latest is strictly newer than current,
// comparing dotted numeric components.
func versionNewer(current, latest string) bool {
	parse := func(v string) []int {
		var nums []int
		for _, part := range strings.Split(v, ".") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				nums = append(nums, n)
			}
		}
		return nums
	}
	cur, lat := parse(current), parse(latest)
	for i := 0; i < len(cur) || i < len(lat); i++ {
		c, l := 0, 0
		if i < len(cur) {
			c = cur[i]
		}
		if i < len(lat) {
			l = lat[i]
		}
		if l != c {
			return l > c
		}
	}
	return false
}

// checkUpdate queries the npm registry; it returns the newer version or
// "" if already current.
func checkUpdate(current string) (string, error) {
	output, err := exec.Command("npm", "view", npmPackage, "version").Output()
	if err != nil {
		return "", errors.Wrapf(err, "failed to query npm registry")
	}
	latest := strings.TrimSpace(string(output))
	if latest == "" {
		return "", errors.New("empty version from npm")
	}
	if versionNewer(current, latest) {
		return latest, nil
	}
	return "", nil
}

// runUpdate installs the latest published version over this one.
func runUpdate() error {
	latest, err := checkUpdate(Version)
	if err != nil {
		return err
	}
	if latest == "" {
		fmt.Printf("agent-team %s is up to date\n", Version)
		return nil
	}

	fmt.Printf("Updating agent-team %s -> %s\n", Version, latest)
	cmd := exec.Command("npm", "install", "-g", npmPackage+"@"+latest)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "npm install failed: %s", strings.TrimSpace(string(output)))
	}
	fmt.Printf("Updated to %s\n", latest)
	return nil
}
