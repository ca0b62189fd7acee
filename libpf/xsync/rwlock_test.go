// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/procunwind/procunwind/libpf/xsync"
)

func TestRWMutex(t *testing.T) {
	m := xsync.NewRWMutex(uint64(891723))

	val := m.RLock()
	assert.Equal(t, uint64(891723), *val)
	m.RUnlock(&val)
	// RUnlock zeros the reference to make sure we can't accidentally use it
	// after unlocking.
	assert.Nil(t, val)
}

func TestRWMutex_ReferenceType(t *testing.T) {
	buf := bytes.NewBufferString("hello")

	b := xsync.NewRWMutex(buf.Bytes())
	mutable := b.WLock()
	*mutable = append(*mutable, []byte("world")...)
	b.WUnlock(&mutable)

	afterMutation := b.RLock()
	defer b.RUnlock(&afterMutation)
	assert.Equal(t, []byte("helloworld"), *afterMutation)
}

func TestRWMutex_CrashOnUseAfterUnlock(t *testing.T) {
	m := xsync.NewRWMutex(uint64(0))
	p := m.WLock()
	*p = 123
	m.WUnlock(&p)

	assert.Panics(t, func() {
		*p = 345
	})
}
