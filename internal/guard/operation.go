package guard

// Operation identifies one guarded operation class. The compatibility
// tables below are the statically-checked replacement for bit-flag sets:
// forbidden pairs may never be active at the same time for one caller, and
// the nesting relation says which operations may start while another is
// already held on the same call stack.
type Operation int

const (
	OpDeposit Operation = iota
	OpWithdraw
	OpTransfer
	OpSwap
	OpBorrow
	OpLiquidate
	OpClaim
	OpCallback // external call made from inside another guarded operation

	operationCount
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	case OpTransfer:
		return "transfer"
	case OpSwap:
		return "swap"
	case OpBorrow:
		return "borrow"
	case OpLiquidate:
		return "liquidate"
	case OpClaim:
		return "claim"
	case OpCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Valid reports whether o names a known operation.
func (o Operation) Valid() bool { return o >= 0 && o < operationCount }

// Operations returns all guarded operations in declaration order.
func Operations() []Operation {
	ops := make([]Operation, operationCount)
	for i := range ops {
		ops[i] = Operation(i)
	}
	return ops
}

// ParseOperation resolves an operation name (as produced by String) back to
// its Operation value.
func ParseOperation(name string) (Operation, bool) {
	for op := Operation(0); op < operationCount; op++ {
		if op.String() == name {
			return op, true
		}
	}
	return 0, false
}

// forbidden marks operation pairs that may never be simultaneously active
// for one caller, in either order. Classic drain patterns: withdrawing while
// a borrow is open, liquidating while the target is moving funds.
var forbidden = [operationCount][operationCount]bool{
	OpWithdraw: {
		OpBorrow:    true,
		OpLiquidate: true,
	},
	OpBorrow: {
		OpWithdraw:  true,
		OpLiquidate: true,
	},
	OpLiquidate: {
		OpDeposit:  true,
		OpWithdraw: true,
		OpTransfer: true,
		OpSwap:     true,
		OpBorrow:   true,
		OpClaim:    true,
	},
	OpDeposit: {
		OpLiquidate: true,
	},
	OpTransfer: {
		OpLiquidate: true,
	},
	OpSwap: {
		OpLiquidate: true,
	},
	OpClaim: {
		OpLiquidate: true,
	},
}

// nestable marks which inner operation may start while the outer one is
// held by the same caller. Only callback-style external calls may nest, and
// only under operations that legitimately call out.
var nestable = [operationCount][operationCount]bool{
	OpTransfer: {OpCallback: true},
	OpSwap:     {OpCallback: true},
	OpClaim:    {OpCallback: true},
	OpCallback: {OpCallback: true},
}

// ForbiddenWith reports whether o and other may never be active together.
func (o Operation) ForbiddenWith(other Operation) bool {
	return forbidden[o][other] || forbidden[other][o]
}

// NestsUnder reports whether o may start while outer is held on the same
// call stack.
func (o Operation) NestsUnder(outer Operation) bool {
	return nestable[outer][o]
}
