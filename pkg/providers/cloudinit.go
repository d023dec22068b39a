package providers

import (
	"fmt"
	"strings"
	"time"
)

// CloudInitUserData returns a minimal cloud-init YAML that:
// - creates a non-root user with passwordless sudo
// - installs the controller's SSH public key for that user
// - disables password logins
// - schedules a power-off once maxDuration has elapsed, so an instance the
//   controller loses track of still stops billing
//
// A zero maxDuration skips the shutdown timer.
func CloudInitUserData(username, sshAuthorizedKey string, maxDuration time.Duration) string {
	if username == "" {
		username = "burst"
	}
	var b strings.Builder
	fmt.Fprintf(&b, `#cloud-config
users:
  - default
  - name: %s
    sudo: ["ALL=(ALL) NOPASSWD:ALL"]
    shell: /bin/bash
    ssh_authorized_keys:
      - %s
ssh_pwauth: false
write_files:
  - path: /etc/ssh/sshd_config.d/99-burst.conf
    permissions: '0644'
    content: |
      PasswordAuthentication no
      ChallengeResponseAuthentication no
`, username, strings.TrimSpace(sshAuthorizedKey))
	if minutes := shutdownMinutes(maxDuration); minutes > 0 {
		fmt.Fprintf(&b, `runcmd:
  - [ shutdown, -P, "+%d", "burst max duration reached" ]
`, minutes)
	}
	return b.String()
}

// ShutdownScript is the plain shell equivalent of the shutdown timer in
// CloudInitUserData, for providers that run a startup script instead.
func ShutdownScript(maxDuration time.Duration) string {
	minutes := shutdownMinutes(maxDuration)
	if minutes <= 0 {
		return "#!/bin/sh\n"
	}
	return fmt.Sprintf("#!/bin/sh\nshutdown -P +%d \"burst max duration reached\"\n", minutes)
}

func shutdownMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	minutes := int(d / time.Minute)
	if d%time.Minute != 0 {
		minutes++
	}
	return minutes
}
