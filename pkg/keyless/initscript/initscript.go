// Package initscript renders a SysV-style init script for keyless-server,
// honoring the "exit code 5 means not executable" convention spec.md calls
// out in its exit-code table.
package initscript

import (
	"fmt"
	"io"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Params fills in the rendered script's binary path and default flags.
type Params struct {
	// Name is the service name used in the script's description and PID
	// file default, e.g. "keyless-server".
	Name string
	// BinaryPath is the absolute path to the keyless-server executable.
	BinaryPath string
	// Args are the flags appended after BinaryPath when starting the
	// service, e.g. []string{"-port", "2407", "-private-key-directory", "/etc/keyless/keys"}.
	Args []string
	// PIDFile is the path the service writes its PID to; also used by the
	// script's stop/status actions.
	PIDFile string
	// User, if set, is the unprivileged account the script runs the daemon
	// as via su/runuser.
	User string
}

const scriptTemplate = `#!/bin/sh
### BEGIN INIT INFO
# Provides:          {{ .Name }}
# Required-Start:    $network $local_fs
# Required-Stop:     $network $local_fs
# Default-Start:     2 3 4 5
# Default-Stop:      0 1 6
# Short-Description: {{ .Name }} keyless signing server
### END INIT INFO

NAME="{{ .Name }}"
DAEMON="{{ .BinaryPath }}"
DAEMON_ARGS="{{ range $i, $a := .Args }}{{ if $i }} {{ end }}{{ $a | quote }}{{ end }}"
PIDFILE="{{ .PIDFile }}"
{{- if .User }}
RUN_AS="{{ .User }}"
{{- end }}

# Exit code 5 means "program is not installed" per the LSB init-script
# convention; this script returns it when $DAEMON is missing or not
# executable (e.g. permissions stripped after install).
if [ ! -x "$DAEMON" ]; then
	echo "$NAME: $DAEMON is not installed or not executable" >&2
	exit 5
fi

start() {
	if [ -f "$PIDFILE" ] && kill -0 "$(cat "$PIDFILE")" 2>/dev/null; then
		echo "$NAME already running"
		return 0
	fi
{{- if .User }}
	su -s /bin/sh -c "$DAEMON $DAEMON_ARGS &" "$RUN_AS"
{{- else }}
	$DAEMON $DAEMON_ARGS &
{{- end }}
	echo $! > "$PIDFILE"
}

stop() {
	if [ ! -f "$PIDFILE" ]; then
		echo "$NAME not running"
		return 0
	fi
	kill -TERM "$(cat "$PIDFILE")" 2>/dev/null
	rm -f "$PIDFILE"
}

status() {
	if [ -f "$PIDFILE" ] && kill -0 "$(cat "$PIDFILE")" 2>/dev/null; then
		echo "$NAME is running (pid $(cat "$PIDFILE"))"
	else
		echo "$NAME is not running"
	fi
}

case "$1" in
	start) start ;;
	stop) stop ;;
	restart) stop; start ;;
	status) status ;;
	*)
		echo "Usage: $0 {start|stop|restart|status}" >&2
		exit 1
		;;
esac
`

// Render writes the init script for p to w.
func Render(w io.Writer, p Params) error {
	if p.Name == "" {
		p.Name = "keyless-server"
	}
	if p.PIDFile == "" {
		p.PIDFile = fmt.Sprintf("/var/run/%s.pid", p.Name)
	}
	tmpl, err := template.New("initscript").Funcs(sprig.HermeticTxtFuncMap()).Parse(scriptTemplate)
	if err != nil {
		return fmt.Errorf("initscript: parse template: %w", err)
	}
	return tmpl.Execute(w, p)
}
