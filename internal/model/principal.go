package model

// Role описывает закрытый набор ролей, получаемых от провайдера идентификации.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// RoleFromClaim переводит признак администратора из токена в роль.
func RoleFromClaim(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Principal описывает проверенного пользователя текущего запроса.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin сообщает, является ли пользователь администратором.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Admin выдаёт право на административные действия, если пользователь администратор.
func (p Principal) Admin() (AdminCapability, bool) {
	if !p.IsAdmin() || p.UserID == "" {
		return AdminCapability{}, false
	}
	return AdminCapability{adminID: p.UserID}, true
}

// AdminCapability подтверждает, что действие выполняет администратор.
// Создаётся только через Principal.Admin; нулевое значение прав не даёт.
type AdminCapability struct {
	adminID string
}

// AdminID возвращает идентификатор администратора.
func (c AdminCapability) AdminID() string {
	return c.adminID
}

// Valid сообщает, что значение получено через Principal.Admin.
func (c AdminCapability) Valid() bool {
	return c.adminID != ""
}
