package token

import "strconv"

// Record is one refresh token inside a family lineage. The secret
// itself never appears here: the store is keyed by the secret's digest
// and keeps only derived metadata. Within a family at most one record
// has Revoked=false (the current token); every ancestor is revoked.
type Record struct {
	FamilyID   string
	UserID     string
	Email      string
	Role       string
	IssuedAt   int64
	LastUsedAt int64
	ExpiresAt  int64
	Revoked    bool
	IP         string
	UserAgent  string
}

func (r *Record) fields() map[string]interface{} {
	rev := "0"
	if r.Revoked {
		rev = "1"
	}

	m := map[string]interface{}{
		"fam":   r.FamilyID,
		"uid":   r.UserID,
		"email": r.Email,
		"role":  r.Role,
		"iat":   strconv.FormatInt(r.IssuedAt, 10),
		"lat":   strconv.FormatInt(r.LastUsedAt, 10),
		"exp":   strconv.FormatInt(r.ExpiresAt, 10),
		"rev":   rev,
	}
	if r.IP != "" {
		m["ip"] = r.IP
	}
	if r.UserAgent != "" {
		m["ua"] = r.UserAgent
	}

	return m
}

func recordFromFields(m map[string]string) *Record {
	iat, _ := strconv.ParseInt(m["iat"], 10, 64)
	lat, _ := strconv.ParseInt(m["lat"], 10, 64)
	exp, _ := strconv.ParseInt(m["exp"], 10, 64)

	return &Record{
		FamilyID:   m["fam"],
		UserID:     m["uid"],
		Email:      m["email"],
		Role:       m["role"],
		IssuedAt:   iat,
		LastUsedAt: lat,
		ExpiresAt:  exp,
		Revoked:    m["rev"] == "1",
		IP:         m["ip"],
		UserAgent:  m["ua"],
	}
}
