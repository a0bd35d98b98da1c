//go:build windows

package logx

import "errors"

// EnableSyslog is unsupported on Windows
func (l *Logger) EnableSyslog(tag string) error {
	return errors.New("syslog not available on windows")
}
