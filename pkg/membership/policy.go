package membership

// Request is the policy's view of an incoming join request.
type Request struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

// Verdict is a policy decision.
type Verdict int

const (
	Approve Verdict = iota
	Reject
)

// Policy decides whether a join request is approved. Policies must be
// pure and synchronous: no network, no storage, no side effects. They
// run between event receipt and persistence and can be swapped without
// touching the state machine's idempotence contract.
type Policy func(Request) Verdict

// ApproveAll is the base policy: every request is approved.
func ApproveAll(Request) Verdict {
	return Approve
}

// DenyListPolicy approves everyone except the listed user ids.
func DenyListPolicy(denied []int64) Policy {
	set := make(map[int64]struct{}, len(denied))
	for _, id := range denied {
		set[id] = struct{}{}
	}
	return func(req Request) Verdict {
		if _, ok := set[req.UserID]; ok {
			return Reject
		}
		return Approve
	}
}
