package sessionhandler

type CreateRoomBody struct {
	RoomName string `json:"room_name" binding:"omitempty,max=200" example:"Algorithms 101"`
	Username string `json:"username"  binding:"required,max=200"  example:"alice"`
} // @name CreateRoomRequest

type SaveCodeBody struct {
	Code     string `json:"code"`
	Language string `json:"language" binding:"required" example:"python"`
} // @name SaveCodeRequest

type ExecuteCodeBody struct {
	Code     string `json:"code"`
	Language string `json:"language" binding:"required" example:"python"`
} // @name ExecuteCodeRequest

type ExecuteCodeResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
} // @name ExecuteCodeResponse

type SessionDataResponse struct {
	Success  bool   `json:"success"`
	Code     string `json:"code"`
	Output   string `json:"output"`
	Language string `json:"language"`
} // @name SessionDataResponse

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

type ListSessionsQuery struct {
	Limit  int `form:"limit,default=10"  binding:"gte=0,lte=100"`
	Offset int `form:"offset,default=0"  binding:"gte=0"`
} // @name ListSessionsQuery
