package activeapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	gnomeIntrospectName = "org.gnome.Shell.Introspect"
	gnomeIntrospectPath = dbus.ObjectPath("/org/gnome/Shell/Introspect")
	gnomeGetWindows     = gnomeIntrospectName + ".GetWindows"
)

// gnomeFocusedApp asks GNOME Shell for its window list and returns the
// focused window's class. GNOME only answers callers it trusts; elsewhere
// the call fails with AccessDenied.
func gnomeFocusedApp(ctx context.Context) (string, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("session bus: %w", err)
	}
	defer conn.Close()

	var windows map[uint64]map[string]dbus.Variant
	obj := conn.Object(gnomeIntrospectName, gnomeIntrospectPath)
	if err := obj.CallWithContext(ctx, gnomeGetWindows, 0).Store(&windows); err != nil {
		return "", fmt.Errorf("%s: %w", gnomeGetWindows, err)
	}
	return focusedWindowApp(windows)
}

// focusedWindowApp picks the window with has-focus set and names its app,
// preferring wm-class over the desktop file id.
func focusedWindowApp(windows map[uint64]map[string]dbus.Variant) (string, error) {
	for _, props := range windows {
		focus, _ := props["has-focus"].Value().(bool)
		if !focus {
			continue
		}
		if class, ok := props["wm-class"].Value().(string); ok && class != "" {
			return class, nil
		}
		if id, ok := props["app-id"].Value().(string); ok && id != "" {
			return appIDName(id), nil
		}
		return "", nil
	}
	return "", errors.New("gnome: no focused window")
}

// appIDName turns "org.gnome.TextEditor.desktop" into "TextEditor".
func appIDName(id string) string {
	id = strings.TrimSuffix(id, ".desktop")
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}
