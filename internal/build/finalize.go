package build

import "strings"

// ScriptDir is where provisioning scripts are uploaded on the guest.
const ScriptDir = "/usr/local/lib/kiln"

const hostKeyUnit = "kiln-regenerate-host-keys.service"

// finalizeScript strips machine identity from the guest so the image is safe
// to clone. keyComment identifies the build key in authorized_keys.
func finalizeScript(keyComment string) string {
	lines := []string{
		"set -e",
		"truncate -s 0 /etc/machine-id",
		"rm -f /var/lib/dbus/machine-id",
		"apt-get clean",
		"rm -rf /var/lib/apt/lists/*",
		"find /var/log -type f -exec truncate -s 0 {} +",
		"rm -f /etc/ssh/ssh_host_*",
		"cat > /etc/systemd/system/" + hostKeyUnit + " <<'UNIT'",
		"[Unit]",
		"Description=Regenerate SSH host keys",
		"Before=ssh.service",
		"",
		"[Service]",
		"Type=oneshot",
		"ExecStart=/usr/bin/ssh-keygen -A",
		"ExecStartPost=/bin/systemctl disable " + hostKeyUnit,
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"UNIT",
		"systemctl enable " + hostKeyUnit,
		"for f in /root/.ssh/authorized_keys /home/*/.ssh/authorized_keys; do",
		"  [ -f \"$f\" ] && sed -i '/ " + keyComment + "$/d' \"$f\"",
		"done",
		"rm -rf " + ScriptDir,
		"rm -rf /tmp/* /var/tmp/*",
		"sync",
	}
	return strings.Join(lines, "\n") + "\n"
}
