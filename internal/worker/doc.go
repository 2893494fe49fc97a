// Package worker 实现计算节点代理。
// 代理向协调器注册能力画像，应答心跳探测，执行分配到本节点的子任务并回传结果。
// 节点被判定死亡后重新连接时会以新身份重新注册。
package worker
