package blockchain

import (
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/wire"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various chain events. Callbacks fire after the chain
// lock has been released and must not retain the passed pointers beyond the
// call.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTBlockAdded indicates a block has been connected to the main chain.
	NTBlockAdded NotificationType = iota

	// NTChainSwitched indicates a reorganization replaced a main-chain
	// suffix.
	NTChainSwitched
)

// Notification defines an asynchronous chain event notification. The type
// of the Data field depends on the notification type.
type Notification struct {
	Type NotificationType
	Data interface{}
}

// BlockAddedNotificationData is the Data of an NTBlockAdded notification.
type BlockAddedNotificationData struct {
	Block  *wire.Block
	Hash   crypto.Hash
	Height uint32
}

// ChainSwitchedNotificationData is the Data of an NTChainSwitched
// notification. It is emitted exactly once per reorganization, after the
// new tip is installed.
type ChainSwitchedNotificationData struct {
	CommonAncestor crypto.Hash
	AncestorHeight uint32
	RemovedHashes  []crypto.Hash
	AddedHashes    []crypto.Hash
}

// Subscribe registers a callback to receive chain notifications.
//
// This function is safe for concurrent access.
func (b *Blockchain) Subscribe(callback NotificationCallback) {
	b.notificationsLock.Lock()
	defer b.notificationsLock.Unlock()
	b.notifications = append(b.notifications, callback)
}

// enqueueNotification records a notification to be delivered once the chain
// lock is released. Mutations never call subscribers directly: the
// blockchain, mempool and observers form a notification cycle, and
// delivering under the lock would deadlock it.
func (b *Blockchain) enqueueNotification(typ NotificationType, data interface{}) {
	b.pendingNotifications = append(b.pendingNotifications, Notification{Type: typ, Data: data})
}

// flushNotifications delivers all queued notifications. It MUST be called
// without the chain lock held.
func (b *Blockchain) flushNotifications() {
	var pending []Notification
	b.chainLock.Lock()
	pending, b.pendingNotifications = b.pendingNotifications, nil
	b.chainLock.Unlock()

	if len(pending) == 0 {
		return
	}
	b.notificationsLock.RLock()
	subscribers := b.notifications
	b.notificationsLock.RUnlock()
	for i := range pending {
		for _, callback := range subscribers {
			callback(&pending[i])
		}
	}
}
