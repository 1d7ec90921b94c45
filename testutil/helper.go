/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

type tHelper interface {
	Helper()
}
