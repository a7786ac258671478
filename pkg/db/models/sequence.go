package models

// Sequence is a named counter used to build order numbers.
type Sequence struct {
	Name         string `gorm:"column:name;type:varchar(64);primaryKey"`
	CurrentValue int64  `gorm:"column:current_value;not null;default:0"`
	Step         int64  `gorm:"column:step;not null;default:1"`
}

func (Sequence) TableName() string { return "sequence_info" }
