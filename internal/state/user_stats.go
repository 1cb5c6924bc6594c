package state

import (
	"github.com/google/uuid"

	fpmath "PerpRisk/internal/math"
)

// UserStats tracks rolling volume across a user's sub accounts for fee tiering.
type UserStats struct {
	Authority             uuid.UUID
	TakerVolume30d        uint64
	MakerVolume30d        uint64
	FillerVolume30d       uint64
	LastTakerVolume30dTs  int64
	LastMakerVolume30dTs  int64
	LastFillerVolume30dTs int64
	Fees                  UserFees
}

type UserFees struct {
	TotalFeePaid       uint64
	TotalFeeRebate     uint64
	TotalTokenDiscount uint64
}

func (s *UserStats) Total30dVolume() (uint64, error) {
	return fpmath.AddU64(s.TakerVolume30d, s.MakerVolume30d)
}

// calculateRollingSum decays the previous window linearly and adds the new value.
func calculateRollingSum(prev uint64, add uint64, sinceLast int64, period int64) (uint64, error) {
	remaining := fpmath.MaxI64(0, period-fpmath.MaxI64(0, sinceLast))
	decayed, err := fpmath.MulDivU(prev, uint64(remaining), uint64(period))
	if err != nil {
		return 0, err
	}
	return fpmath.AddU64(decayed, add)
}

func (s *UserStats) UpdateTakerVolume30d(quote uint64, now int64) error {
	v, err := calculateRollingSum(s.TakerVolume30d, quote, now-s.LastTakerVolume30dTs, fpmath.ThirtyDays)
	if err != nil {
		return err
	}
	s.TakerVolume30d = v
	s.LastTakerVolume30dTs = now
	return nil
}

func (s *UserStats) UpdateMakerVolume30d(quote uint64, now int64) error {
	v, err := calculateRollingSum(s.MakerVolume30d, quote, now-s.LastMakerVolume30dTs, fpmath.ThirtyDays)
	if err != nil {
		return err
	}
	s.MakerVolume30d = v
	s.LastMakerVolume30dTs = now
	return nil
}

func (s *UserStats) UpdateFillerVolume30d(quote uint64, now int64) error {
	v, err := calculateRollingSum(s.FillerVolume30d, quote, now-s.LastFillerVolume30dTs, fpmath.ThirtyDays)
	if err != nil {
		return err
	}
	s.FillerVolume30d = v
	s.LastFillerVolume30dTs = now
	return nil
}
