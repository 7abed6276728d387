package store

import "fmt"

const (
	AttemptCounterKeyPattern  = "%s:bruteforce:attempts:%s"
	AccountLockKeyPattern     = "%s:bruteforce:lock:%s"
	FlagKeyPattern            = "%s:iptracker:flag:%s"
	FlagIndexKeyPattern       = "%s:iptracker:flagged"
	SessionKeyPattern         = "%s:session:%s"
	AccountSessionsKeyPattern = "%s:session:account:%s"
)

// KeySpace builds component-prefixed keys so that the guard, the tracker
// and the session store never collide inside one shared store.
type KeySpace struct {
	namespace string
}

// NewKeySpace returns a KeySpace rooted at namespace, "bastion" when empty
func NewKeySpace(namespace string) KeySpace {
	if namespace == "" {
		namespace = "bastion"
	}
	return KeySpace{namespace: namespace}
}

func (k KeySpace) AttemptCounter(identity string) string {
	return fmt.Sprintf(AttemptCounterKeyPattern, k.namespace, identity)
}

func (k KeySpace) AccountLock(account string) string {
	return fmt.Sprintf(AccountLockKeyPattern, k.namespace, account)
}

func (k KeySpace) Flag(address string) string {
	return fmt.Sprintf(FlagKeyPattern, k.namespace, address)
}

func (k KeySpace) FlagIndex() string {
	return fmt.Sprintf(FlagIndexKeyPattern, k.namespace)
}

func (k KeySpace) Session(sessionKey string) string {
	return fmt.Sprintf(SessionKeyPattern, k.namespace, sessionKey)
}

func (k KeySpace) AccountSessions(account string) string {
	return fmt.Sprintf(AccountSessionsKeyPattern, k.namespace, account)
}
