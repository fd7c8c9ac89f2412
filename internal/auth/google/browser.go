package google

import (
	"fmt"
	"os/exec"
	"runtime"
)

// OpenBrowser hands the URL to the OS default-browser opener. Failure is
// not fatal to a login attempt; the flow keeps the URL available for
// manual copy.
func OpenBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	default:
		return fmt.Errorf("no browser opener for %s", runtime.GOOS)
	}
}
