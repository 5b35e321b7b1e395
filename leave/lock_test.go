package leave

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SameKeySerialized(t *testing.T) {
	k := NewKeyedMutex()
	a := Account{Tenant: "acme", Employee: "emp-1", Type: "earned"}

	release := k.Lock(a)
	acquired := make(chan struct{})
	go func() {
		r := k.Lock(a)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-acquired
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	k := NewKeyedMutex()
	release := k.Lock(Account{Tenant: "acme", Employee: "emp-1", Type: "earned"})
	defer release()

	done := make(chan struct{})
	go func() {
		k.Lock(Account{Tenant: "acme", Employee: "emp-2", Type: "earned"})()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated account blocked")
	}
}

func TestKeyedMutex_ReleasesIdleKeys(t *testing.T) {
	k := NewKeyedMutex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			emp := EmployeeID([]string{"a", "b", "c"}[i%3])
			k.Lock(Account{Tenant: "acme", Employee: emp, Type: "earned"})()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, k.held())
}
