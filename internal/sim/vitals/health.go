package vitals

const DefaultMaxHealth = 100

// NewHealth returns a full health vital that trips (dies) once at zero.
func NewHealth(entity EntityID, maxHealth float64, deps Deps) *Vital {
	return New(Config{
		Kind:      KindHealth,
		Entity:    entity,
		Bound:     maxHealth,
		Threshold: Death{},
	}, deps)
}

// Dead reports whether a health vital has died.
func Dead(v *Vital) bool {
	return v != nil && v.Kind() == KindHealth && v.Tripped()
}
