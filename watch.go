/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/launix-de/irjit/backend"
)

// watch recompiles the session whenever its source file changes. A failed
// compile keeps the previous program loaded.
func watch(ctx context.Context, s *session, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-watcher.Errors:
				backend.Log.Warn("watch", "file", s.path, "err", err)
			case <-watcher.Events:
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read empty files
					select {
					case <-watcher.Events:
						continue
					default:
					}
					break
				}
				if err := s.reload(ctx); err != nil {
					fmt.Fprintln(w, "error:", err)
				} else {
					fmt.Fprintln(w, "reloaded", s.path)
				}
				watcher.Add(s.path) // text editors rename, so we have to rewatch
			}
		}
	}()
	return nil
}
