package farming

import "math/big"

// Schedule describes the emission rate curve: a bonus window starting at
// StartBlock during which rewards are multiplied, followed by the base rate.
type Schedule struct {
	StartBlock      uint64
	BonusEndBlock   uint64
	BonusMultiplier uint64
}

// Multiplier integrates the rate curve over the half-open block range
// [from, to). Blocks before StartBlock contribute nothing. A range that
// straddles BonusEndBlock is split at the boundary. from > to is a caller
// contract violation and is rejected instead of being allowed to underflow.
func (s Schedule) Multiplier(from, to uint64) (*big.Int, error) {
	if from > to {
		return nil, ErrInvalidRange
	}
	if from < s.StartBlock {
		from = s.StartBlock
	}
	if to <= from {
		return big.NewInt(0), nil
	}
	bonus := s.BonusMultiplier
	if bonus == 0 {
		bonus = 1
	}
	switch {
	case to <= s.BonusEndBlock:
		out := new(big.Int).SetUint64(to - from)
		return out.Mul(out, new(big.Int).SetUint64(bonus)), nil
	case from >= s.BonusEndBlock:
		return new(big.Int).SetUint64(to - from), nil
	default:
		boosted := new(big.Int).SetUint64(s.BonusEndBlock - from)
		boosted.Mul(boosted, new(big.Int).SetUint64(bonus))
		return boosted.Add(boosted, new(big.Int).SetUint64(to-s.BonusEndBlock)), nil
	}
}
