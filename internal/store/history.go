package store

// historyRetention caps the number of samples kept per account.
const historyRetention = 1000

// AppendSamples records one published snapshot's per-model readings and
// prunes history beyond the retention cap.
func (s *Store) AppendSamples(samples []QuotaSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := s.db.Create(&samples).Error; err != nil {
		return err
	}
	return s.pruneSamples(samples[0].AccountID)
}

// RecentSamples returns up to limit samples for an account, newest first.
func (s *Store) RecentSamples(accountID string, limit int) ([]QuotaSample, error) {
	var samples []QuotaSample
	err := s.db.Where("account_id = ?", accountID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&samples).Error
	return samples, err
}

func (s *Store) pruneSamples(accountID string) error {
	keep := s.db.Model(&QuotaSample{}).
		Select("id").
		Where("account_id = ?", accountID).
		Order("timestamp DESC, id DESC").
		Limit(historyRetention)
	return s.db.
		Where("account_id = ? AND id NOT IN (?)", accountID, keep).
		Delete(&QuotaSample{}).Error
}
